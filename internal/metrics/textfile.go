package metrics

import (
	"bytes"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// WriteTextfile dumps the control plane's collectors in Prometheus
// exposition format to path, for hosts scraped through node_exporter's
// textfile collector rather than the /metrics endpoint. The dump is encoded
// in memory first and lands via temp file + rename, so the scraper never
// reads a half-written file.
func WriteTextfile(path string) error {
	return writeTextfile(prometheus.DefaultGatherer, path)
}

func writeTextfile(g prometheus.Gatherer, path string) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if !strings.HasPrefix(mf.GetName(), namespace+"_") {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
