package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Generations  *prometheus.CounterVec
	VideoPolls   prometheus.Counter
	Uploads      *prometheus.CounterVec
	Jobs         *prometheus.CounterVec
	UpdatesTotal prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hyprflux",
				Name:      "generations_total",
				Help:      "Finished generation runs by media kind and result",
			}, []string{"kind", "result"}),
			VideoPolls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "hyprflux",
				Name:      "video_polls_total",
				Help:      "Status requests issued for video jobs",
			}),
			Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hyprflux",
				Name:      "uploads_total",
				Help:      "File uploads by result",
			}, []string{"result"}),
			Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hyprflux",
				Name:      "jobs_total",
				Help:      "Queued generation jobs by result",
			}, []string{"result"}),
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "hyprflux",
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
		}
		prometheus.MustRegister(global.Generations, global.VideoPolls, global.Uploads, global.Jobs, global.UpdatesTotal)
	})
	return global
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) Generation(kind string, err error) {
	m.Generations.WithLabelValues(kind, result(err)).Inc()
}

func (m *Metrics) Upload(err error) {
	m.Uploads.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) Job(err error) {
	m.Jobs.WithLabelValues(result(err)).Inc()
}
