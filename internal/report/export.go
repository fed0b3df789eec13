package report

import (
	"bytes"
	"fmt"

	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/gridsweep/pkg/store"
)

// Encode renders every gathered metric family in the Prometheus text format.
func (m *Metrics) Encode() ([]byte, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return nil, fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

// WriteTextfile atomically writes the metrics to path, for pickup by the
// node exporter textfile collector on batch nodes without a scrape target.
func (m *Metrics) WriteTextfile(path string) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(path, data)
}
