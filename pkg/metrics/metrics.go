package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry chat service registry, kept separate from the default one so tests can
// read values without global collectors from other packages.
var Registry = prometheus.NewRegistry()

var (
	// ActiveTopics number of subscribed realtime topics
	ActiveTopics = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat",
		Name:      "active_topics",
		Help:      "Realtime topics currently subscribed.",
	})
	// Resubscribes transport disconnect recoveries
	Resubscribes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "resubscribe_total",
		Help:      "Automatic resubscriptions after a transport disconnect.",
	})
	// HandlerPanics recovered handler panics
	HandlerPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "handler_panics_total",
		Help:      "Event handler panics recovered by the channel manager.",
	})
	// Polls poll results by outcome
	Polls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "poll_total",
		Help:      "Fallback poll executions by result.",
	}, []string{"result"})
	// MergedMessages messages entering the view by source and whether they were new
	MergedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "merged_messages_total",
		Help:      "Messages merged into a conversation view by delivery path.",
	}, []string{"source", "outcome"})
	// SentMessages send results
	SentMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "sent_messages_total",
		Help:      "Messages sent by result.",
	}, []string{"result"})
	// OpenViews conversation views currently open
	OpenViews = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat",
		Name:      "open_views",
		Help:      "Conversation views currently open.",
	})
)

func init() {
	Registry.MustRegister(ActiveTopics, Resubscribes, HandlerPanics, Polls, MergedMessages, SentMessages, OpenViews)
}

// FiberHandler serve the registry on a fiber route
func FiberHandler() fiber.Handler {
	h := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	return func(c *fiber.Ctx) error {
		h(c.Context())
		return nil
	}
}
