package indexing

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	MappedDocuments *prometheus.CounterVec
	ReducedGroups   *prometheus.CounterVec
	Errors          *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		MappedDocuments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mrdb",
			Subsystem: "indexing",
			Name:      "mapped_documents",
		}, []string{"index"}),
		ReducedGroups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mrdb",
			Subsystem: "indexing",
			Name:      "reduced_groups",
		}, []string{"index", "level"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mrdb",
			Subsystem: "indexing",
			Name:      "errors",
		}, []string{"index", "stage"}),
	}
}

func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.MappedDocuments, m.ReducedGroups, m.Errors} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) mapped(index string, docs, errs int) {
	if m == nil {
		return
	}
	m.MappedDocuments.WithLabelValues(index).Add(float64(docs))
	if errs > 0 {
		m.Errors.WithLabelValues(index, "map").Add(float64(errs))
	}
}

func (m *Metrics) reduced(index string, level, groups, errs int) {
	if m == nil {
		return
	}
	m.ReducedGroups.WithLabelValues(index, strconv.Itoa(level)).Add(float64(groups))
	if errs > 0 {
		m.Errors.WithLabelValues(index, "reduce").Add(float64(errs))
	}
}

func (m *Metrics) failed(index, stage string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(index, stage).Inc()
}
