package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"dm_service/internal/chat/domain"
	errprocess "dm_service/pkg/err"
	"dm_service/pkg/logger"
	"dm_service/pkg/middlewares"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// ChatWebsocketHandler 每條連線一個 Session
type ChatWebsocketHandler struct {
	svc          *ChatService
	pingInterval time.Duration
}

// NewChatWebsocketHandler create ChatWebsocketHandler
func NewChatWebsocketHandler(svc *ChatService) *ChatWebsocketHandler {
	return &ChatWebsocketHandler{svc: svc, pingInterval: time.Minute}
}

// wsWriter serialises writes, responses and pushed events share the connection
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(resp domain.WSResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		logger.Log.Errorf("marshal websocket response", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		logger.Log.Errorf("write message error:", err)
	}
}

func (w *wsWriter) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.PingMessage, []byte("ping"))
}

// HandleConnection 是 WebSocket 連線的進入點
func (h *ChatWebsocketHandler) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	userID, _ := conn.Locals(middlewares.TokenUserID).(string)
	log := logger.Log.With(zap.String("user_id", userID))
	w := &wsWriter{conn: conn}

	ctxClose, cancel := context.WithCancel(ctx)
	sess, err := h.svc.NewSession(ctxClose, userID)
	if err != nil {
		w.send(errorResponse("session", "", err))
		cancel()
		conn.Close()
		return
	}
	log = log.With(zap.String("session_id", sess.ID()))
	log.Info("websocket open")

	var wg sync.WaitGroup
	defer func() {
		cancel()
		if err := sess.Close(); err != nil {
			log.Warn("session close", zap.Error(err))
		}
		wg.Wait()
		conn.Close()
		log.Info("websocket close")
	}()

	//client發出close
	//fiber會自動處理(在read msg 回傳err),故需要SetCloseHandler另外接出
	conn.SetCloseHandler(func(code int, text string) error {
		log.Debug("websocket close frame", zap.Int("code", code), zap.String("text", text))
		return nil
	})

	//server發出ping之後client連線正常會回pong
	conn.SetPongHandler(func(appData string) error {
		log.Debug("received pong")
		return nil
	})

	//client發出ping
	conn.SetPingHandler(func(appData string) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	// session 事件推給前端
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range sess.Events() {
			w.send(eventResponse(ev))
		}
	}()

	// 定期發送 Ping
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(h.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.ping(); err != nil {
					log.Warn("ping error", zap.Error(err))
					return
				}
			case <-ctxClose.Done():
				return
			}
		}
	}()

	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			// 檢查是否為 Close 正常結束
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				log.Info("connection closed", zap.Error(err))
			} else {
				//直接斷線 1006
				log.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			w.send(domain.WSResponse{Action: "error", Error: "only text messages are supported", ErrorKind: string(errprocess.KindValidation)})
			continue
		}

		var req domain.WSRequest
		if err := json.Unmarshal(message, &req); err != nil {
			w.send(domain.WSResponse{Action: "error", Error: "invalid json", ErrorKind: string(errprocess.KindValidation)})
			continue
		}
		resp := h.HandleRequest(ctxClose, sess, req)
		if resp.Error != "" {
			log.Warn("websocket action failed", zap.String("action", req.Action), zap.String("kind", resp.ErrorKind), zap.String("err", resp.Error))
		}
		w.send(resp)
	}
}

func errorResponse(action, requestID string, err error) domain.WSResponse {
	return domain.WSResponse{
		Action:    action,
		RequestID: requestID,
		Error:     err.Error(),
		ErrorKind: string(errprocess.KindOf(err)),
	}
}

func eventResponse(ev domain.ConversationEvent) domain.WSResponse {
	return domain.WSResponse{
		Action:  string(domain.NotifyConversationEvent),
		Success: true,
		Payload: map[string]interface{}{"event": ev},
	}
}

// HandleRequest run one websocket action on sess
func (h *ChatWebsocketHandler) HandleRequest(ctx context.Context, sess *Session, req domain.WSRequest) domain.WSResponse {
	payload, err := h.dispatch(ctx, sess, req)
	if err != nil {
		return errorResponse(req.Action, req.RequestID, err)
	}
	return domain.WSResponse{Action: req.Action, RequestID: req.RequestID, Success: true, Payload: payload}
}

func (h *ChatWebsocketHandler) dispatch(ctx context.Context, sess *Session, req domain.WSRequest) (map[string]interface{}, error) {
	switch domain.Action(req.Action) {
	//進入對話
	case domain.OpenConversation:
		res, err := sess.OpenConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"conversation_id": req.ConversationID,
			"messages":        res.InitialMessages,
			"has_more":        res.HasMore,
			"presence":        sess.Presence(req.ConversationID),
		}, nil

	//離開對話
	case domain.CloseConversation:
		if err := sess.CloseConversation(req.ConversationID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"conversation_id": req.ConversationID}, nil

	//往前翻頁
	case domain.LoadOlder:
		page, anchor, err := sess.LoadOlder(ctx, req.ConversationID, req.Cursor)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"conversation_id":  req.ConversationID,
			"messages":         page.Messages,
			"has_more":         page.HasMore,
			"next_cursor":      page.NextCursor,
			"scroll_anchor_id": anchor,
		}, nil

	//傳送訊息
	case domain.SendMessage:
		msg, err := sess.SendMessage(ctx, req.ConversationID, req.Content, domain.ContentType(req.ContentType), req.MediaURL)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"message": msg}, nil

	//重送失敗訊息
	case domain.RetryMessage:
		msg, err := sess.RetrySend(ctx, req.ConversationID, req.MessageID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"message": msg}, nil

	case domain.DeleteMessage:
		msg, err := sess.DeleteMessage(ctx, req.MessageID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"message": msg}, nil

	case domain.React:
		res, err := sess.ToggleReaction(ctx, req.MessageID, req.Reaction)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"message_id": req.MessageID, "reaction": req.Reaction, "added": res.Added}, nil

	case domain.SetTyping:
		sess.SetTyping(req.ConversationID, req.IsTyping)
		return map[string]interface{}{"conversation_id": req.ConversationID}, nil

	case domain.SetPresence:
		if err := sess.SetPresence(req.ConversationID, domain.PresenceStatus(req.Status)); err != nil {
			return nil, err
		}
		return map[string]interface{}{"conversation_id": req.ConversationID, "status": req.Status}, nil

	//已讀
	case domain.MarkRead:
		n, err := sess.MarkRead(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"conversation_id": req.ConversationID, "marked": n}, nil

	//1對1
	case domain.StartDirect:
		id, err := sess.StartDirect(ctx, req.PeerID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"conversation_id": id}, nil

	//建立群組
	case domain.CreateGroup:
		id, err := sess.CreateGroup(ctx, req.Name, req.Members)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"conversation_id": id}, nil

	case domain.ListConversations:
		list, err := sess.ListConversations(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"conversations": list}, nil

	case domain.RequestMediaUpload:
		up, err := sess.RequestMediaUpload(ctx, req.FileName, domain.ContentType(req.ContentType))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"upload": up}, nil
	}
	return nil, errprocess.Newf(errprocess.KindValidation, "websocket", "unknown action %q", req.Action)
}
