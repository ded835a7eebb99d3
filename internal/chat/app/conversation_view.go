package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"dm_service/internal/chat/domain"
	errprocess "dm_service/pkg/err"
	"dm_service/pkg/logger"
	"dm_service/pkg/metrics"

	"go.uber.org/zap"
)

// ErrViewClosed operation on a closed conversation view
var ErrViewClosed = errors.New("conversation view closed")

// ViewOptions tuning of a ConversationView
type ViewOptions struct {
	PageSize     int
	PollInterval time.Duration
	// MaxCatchUpPages bounds how far back one poll walks when the newest page does
	// not reach the newest message the view already holds
	MaxCatchUpPages int
	// OnIncoming runs on the view goroutine when messages of other senders are added
	OnIncoming func()
}

type viewState struct {
	messages []domain.Message // tombstones included
	oldest   *domain.Cursor
	hasMore  bool
}

// viewOp runs on the view goroutine; it returns the next state and the events to emit
type viewOp func(cur viewState) (viewState, []domain.ConversationEvent)

type viewTask struct {
	op   viewOp
	done chan struct{} // closed once the new state is visible to readers
}

// ConversationView the reconciled message list of one open conversation. A single
// goroutine owns the list: push handler, poll ticker, send and load-older all post
// operations to its inbox, and readers see immutable snapshots.
type ConversationView struct {
	conversationID string
	userID         string
	topic          string
	paginator      *Paginator
	manager        *ChannelManager
	emit           func(domain.ConversationEvent)
	opts           ViewOptions
	log            *logger.LogInfo

	state atomic.Pointer[viewState]
	inbox chan viewTask

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewConversationView create ConversationView, Open starts it
func NewConversationView(conversationID, userID string, paginator *Paginator, manager *ChannelManager,
	emit func(domain.ConversationEvent), opts ViewOptions) *ConversationView {
	if opts.PageSize <= 0 {
		opts.PageSize = 30
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxCatchUpPages <= 0 {
		opts.MaxCatchUpPages = 5
	}
	if emit == nil {
		emit = func(domain.ConversationEvent) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	v := &ConversationView{
		conversationID: conversationID,
		userID:         userID,
		topic:          domain.ConversationTopic(conversationID),
		paginator:      paginator,
		manager:        manager,
		emit:           emit,
		opts:           opts,
		log:            logger.Log.With(zap.String("conversation_id", conversationID), zap.String("user_id", userID)),
		inbox:          make(chan viewTask, 16),
		ctx:            ctx,
		cancel:         cancel,
	}
	v.state.Store(&viewState{})
	return v
}

// Open load the newest page, start the view goroutine, subscribe the conversation
// topic and start polling. A subscribe failure is logged; poll keeps the view
// consistent without push.
func (v *ConversationView) Open(ctx context.Context) (domain.Page, error) {
	page, err := v.paginator.FetchPage(ctx, v.conversationID, v.opts.PageSize, nil)
	if err != nil {
		return domain.Page{}, err
	}

	st := &viewState{messages: page.Messages, hasMore: page.HasMore}
	if len(page.Messages) > 0 {
		c := page.Messages[0].Cursor()
		st.oldest = &c
	}
	v.state.Store(st)

	v.startOnce.Do(func() {
		v.started.Store(true)
		metrics.OpenViews.Inc()
		v.wg.Add(2)
		go v.run()
		go v.pollLoop()
	})

	if err := v.manager.Subscribe(ctx, v.topic, v); err != nil {
		v.log.Warn("conversation subscribe failed, relying on poll", zap.Error(err))
	}
	return page, nil
}

// Close stop polling, unsubscribe the topic and stop the view goroutine
func (v *ConversationView) Close() error {
	v.closeOnce.Do(func() {
		v.cancel()
		v.closeErr = v.manager.Unsubscribe(v.topic)
		v.wg.Wait()
		if v.started.Load() {
			metrics.OpenViews.Dec()
		}
	})
	return v.closeErr
}

// Messages visible messages, ascending
func (v *ConversationView) Messages() []domain.Message {
	return visible(v.state.Load().messages)
}

// HasMore older messages exist before the oldest loaded one
func (v *ConversationView) HasMore() bool {
	return v.state.Load().hasMore
}

// Find message by id, tombstones included
func (v *ConversationView) Find(id string) (domain.Message, bool) {
	for _, m := range v.state.Load().messages {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Message{}, false
}

func (v *ConversationView) run() {
	defer v.wg.Done()
	for {
		select {
		case <-v.ctx.Done():
			return
		case task := <-v.inbox:
			next, events := task.op(*v.state.Load())
			v.state.Store(&next)
			if task.done != nil {
				close(task.done)
			}
			for _, ev := range events {
				v.emit(ev)
			}
		}
	}
}

func (v *ConversationView) post(op viewOp) error {
	return v.postTask(viewTask{op: op})
}

func (v *ConversationView) postTask(task viewTask) error {
	select {
	case v.inbox <- task:
		return nil
	case <-v.ctx.Done():
		return ErrViewClosed
	}
}

// apply post op and wait until its state is stored
func (v *ConversationView) apply(ctx context.Context, op viewOp) error {
	done := make(chan struct{})
	if err := v.postTask(viewTask{op: op, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-v.ctx.Done():
		return ErrViewClosed
	}
}

func (v *ConversationView) messagesEvent(list []domain.Message, added []string) domain.ConversationEvent {
	return domain.ConversationEvent{
		Type:           domain.ConversationMessages,
		ConversationID: v.conversationID,
		Messages:       visible(list),
		Added:          added,
	}
}

// diff split incoming against the held list: tombstones of messages never held are
// dropped, added lists the ids that are new
func (v *ConversationView) diff(source string, held []domain.Message, incoming []domain.Message) (keep []domain.Message, added []string, fromOthers bool) {
	known := make(map[string]struct{}, len(held))
	for _, m := range held {
		known[m.ID] = struct{}{}
	}

	keep = make([]domain.Message, 0, len(incoming))
	for _, m := range incoming {
		if _, ok := known[m.ID]; ok {
			metrics.MergedMessages.WithLabelValues(source, "duplicate").Inc()
			keep = append(keep, m)
			continue
		}
		if m.Deleted() {
			continue
		}
		known[m.ID] = struct{}{}
		keep = append(keep, m)
		added = append(added, m.ID)
		if m.SenderID != v.userID {
			fromOthers = true
		}
		metrics.MergedMessages.WithLabelValues(source, "new").Inc()
	}
	return keep, added, fromOthers
}

// mergeOp merge incoming into the list; emits a messages event only when the list changed
func (v *ConversationView) mergeOp(source string, incoming []domain.Message) viewOp {
	return func(cur viewState) (viewState, []domain.ConversationEvent) {
		keep, added, fromOthers := v.diff(source, cur.messages, incoming)

		merged := Merge(cur.messages, keep)
		next := cur
		next.messages = merged
		if sameList(cur.messages, merged) {
			return next, nil
		}
		if fromOthers && v.opts.OnIncoming != nil {
			v.opts.OnIncoming()
		}
		return next, []domain.ConversationEvent{v.messagesEvent(merged, added)}
	}
}

// rebaseOp replace the stored history with fetched, a contiguous run ending at the
// newest stored message. Held messages older than its first one are dropped, local
// pending and failed ones stay. LoadOlder then refills from fetched[0].
func (v *ConversationView) rebaseOp(fetched []domain.Message, hasMore bool) viewOp {
	floor := fetched[0]
	return func(cur viewState) (viewState, []domain.ConversationEvent) {
		held := make([]domain.Message, 0, len(cur.messages))
		for _, m := range cur.messages {
			if !m.Status.Confirmed() || !m.Before(floor) {
				held = append(held, m)
			}
		}
		keep, added, fromOthers := v.diff("poll", cur.messages, fetched)

		c := floor.Cursor()
		next := viewState{messages: Merge(held, keep), oldest: &c, hasMore: hasMore}
		if fromOthers && v.opts.OnIncoming != nil {
			v.opts.OnIncoming()
		}
		return next, []domain.ConversationEvent{v.messagesEvent(next.messages, added)}
	}
}

func sameList(a, b []domain.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].IsRead != b[i].IsRead || a[i].Status != b[i].Status ||
			a[i].Deleted() != b[i].Deleted() || a[i].Content != b[i].Content {
			return false
		}
	}
	return true
}

// OnNewMessage EventHandler
func (v *ConversationView) OnNewMessage(msg domain.Message) {
	_ = v.post(v.mergeOp("push", []domain.Message{msg}))
}

// OnMessageRead EventHandler
func (v *ConversationView) OnMessageRead(msg domain.Message) {
	merge := v.mergeOp("push", []domain.Message{msg})
	_ = v.post(func(cur viewState) (viewState, []domain.ConversationEvent) {
		next, events := merge(cur)
		m := msg
		return next, append(events, domain.ConversationEvent{
			Type:           domain.ConversationMessageRead,
			ConversationID: v.conversationID,
			Message:        &m,
		})
	})
}

// OnMessageDeleted EventHandler, the message stays as a tombstone
func (v *ConversationView) OnMessageDeleted(msg domain.Message) {
	_ = v.post(v.mergeOp("push", []domain.Message{msg}))
}

// OnPresenceChange EventHandler
func (v *ConversationView) OnPresenceChange(st domain.PresenceState) {
	s := st
	v.emit(domain.ConversationEvent{
		Type:           domain.ConversationPresence,
		ConversationID: v.conversationID,
		Presence:       &s,
		UserID:         st.UserID,
	})
}

// OnTyping EventHandler
func (v *ConversationView) OnTyping(userID string, isTyping bool) {
	v.emit(domain.ConversationEvent{
		Type:           domain.ConversationTyping,
		ConversationID: v.conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	})
}

func (v *ConversationView) pollLoop() {
	defer v.wg.Done()
	ticker := time.NewTicker(v.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-v.ctx.Done():
			return
		case <-ticker.C:
			if err := v.Poll(v.ctx); err != nil && v.ctx.Err() == nil {
				errprocess.Log(v.log, "poll failed", err)
			}
		}
	}
}

// newestConfirmed newest message that came from the store
func (v *ConversationView) newestConfirmed() *domain.Message {
	list := v.state.Load().messages
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Status.Confirmed() {
			m := list[i]
			return &m
		}
	}
	return nil
}

// Poll fetch the newest page, tombstones included, and merge it. When the page
// starts after the newest message already held, older pages are walked until they
// meet it. If MaxCatchUpPages runs out first the fetched run replaces the stored
// history so no hole is left behind. A failure leaves the list untouched.
func (v *ConversationView) Poll(ctx context.Context) error {
	page, err := v.paginator.FetchPageWithTombstones(ctx, v.conversationID, v.opts.PageSize, nil)
	if err != nil {
		metrics.Polls.WithLabelValues("error").Inc()
		return err
	}
	msgs := page.Messages

	gap := false
	if known := v.newestConfirmed(); known != nil {
		for i := 0; page.HasMore && len(msgs) > 0 && known.Before(msgs[0]); i++ {
			if i == v.opts.MaxCatchUpPages {
				gap = true
				break
			}
			c := msgs[0].Cursor()
			page, err = v.paginator.FetchPageWithTombstones(ctx, v.conversationID, v.opts.PageSize, &c)
			if err != nil {
				// 部分結果會留下缺口，整次 poll 視為失敗
				metrics.Polls.WithLabelValues("error").Inc()
				return err
			}
			msgs = append(append([]domain.Message(nil), page.Messages...), msgs...)
		}
	}

	metrics.Polls.WithLabelValues("ok").Inc()
	if len(msgs) == 0 {
		return nil
	}
	if gap {
		return v.post(v.rebaseOp(msgs, true))
	}
	return v.post(v.mergeOp("poll", msgs))
}

// LoadOlder fetch the page before cursor (the oldest loaded message when nil) and
// prepend it. Returns the page and the id of the oldest visible message before the
// prepend, which the UI keeps in place.
func (v *ConversationView) LoadOlder(ctx context.Context, before *domain.Cursor) (domain.Page, string, error) {
	fromOldest := before == nil
	if fromOldest {
		st := v.state.Load()
		if st.oldest == nil {
			return domain.Page{Messages: []domain.Message{}}, "", nil
		}
		before = st.oldest
	}

	page, err := v.paginator.FetchPage(ctx, v.conversationID, v.opts.PageSize, before)
	if err != nil {
		return domain.Page{}, "", err
	}

	var anchor string
	err = v.apply(ctx, func(cur viewState) (viewState, []domain.ConversationEvent) {
		// a poll rebased the history while the page was in flight
		if fromOldest && (cur.oldest == nil || *cur.oldest != *before) {
			return cur, nil
		}
		if vis := visible(cur.messages); len(vis) > 0 {
			anchor = vis[0].ID
		}

		next := cur
		next.messages = Merge(cur.messages, page.Messages)
		if len(page.Messages) > 0 {
			c := page.Messages[0].Cursor()
			if next.oldest == nil || c.CreatedAt.Before(next.oldest.CreatedAt) ||
				(c.CreatedAt.Equal(next.oldest.CreatedAt) && c.ID < next.oldest.ID) {
				next.oldest = &c
				next.hasMore = page.HasMore
			}
		} else if before == cur.oldest || (cur.oldest != nil && *before == *cur.oldest) {
			next.hasMore = false
		}

		added := make([]string, 0, len(page.Messages))
		for _, m := range page.Messages {
			added = append(added, m.ID)
		}
		metrics.MergedMessages.WithLabelValues("older", "new").Add(float64(len(added)))
		return next, []domain.ConversationEvent{{
			Type:           domain.ConversationOlderLoaded,
			ConversationID: v.conversationID,
			Messages:       visible(next.messages),
			Added:          added,
			HasMore:        next.hasMore,
			ScrollAnchorID: anchor,
		}}
	})
	if err != nil {
		return domain.Page{}, "", err
	}
	return page, anchor, nil
}

// AddPending show an optimistic message before the store confirms it
func (v *ConversationView) AddPending(msg domain.Message) error {
	msg.Status = domain.StatusPending
	return v.post(v.mergeOp("send", []domain.Message{msg}))
}

// Confirm replace the optimistic entry with the stored row
func (v *ConversationView) Confirm(msg domain.Message) error {
	msg.Status = domain.StatusSent
	return v.post(v.mergeOp("send", []domain.Message{msg}))
}

// setStatus move message id from one local status to another; no-op when the
// message is not in the from state (e.g. push already delivered the stored row)
func (v *ConversationView) setStatus(id string, from, to domain.SendStatus, extra func(domain.Message) []domain.ConversationEvent) (domain.Message, bool, error) {
	var (
		changed domain.Message
		ok      bool
	)
	err := v.apply(context.Background(), func(cur viewState) (viewState, []domain.ConversationEvent) {
		idx := -1
		for i, m := range cur.messages {
			if m.ID == id && m.Status == from {
				idx = i
				break
			}
		}
		if idx < 0 {
			return cur, nil
		}

		next := cur
		next.messages = make([]domain.Message, len(cur.messages))
		copy(next.messages, cur.messages)
		next.messages[idx].Status = to
		changed, ok = next.messages[idx], true

		events := []domain.ConversationEvent{v.messagesEvent(next.messages, nil)}
		if extra != nil {
			events = append(events, extra(changed)...)
		}
		return next, events
	})
	if err != nil {
		return domain.Message{}, false, err
	}
	return changed, ok, nil
}

// Fail mark a pending message failed and emit send_failed
func (v *ConversationView) Fail(id string, cause error) error {
	_, _, err := v.setStatus(id, domain.StatusPending, domain.StatusFailed, func(m domain.Message) []domain.ConversationEvent {
		return []domain.ConversationEvent{{
			Type:           domain.ConversationSendFailed,
			ConversationID: v.conversationID,
			Message:        &m,
			Error:          cause.Error(),
		}}
	})
	return err
}

// Retry move a failed message back to pending and return it
func (v *ConversationView) Retry(id string) (domain.Message, bool, error) {
	return v.setStatus(id, domain.StatusFailed, domain.StatusPending, nil)
}
