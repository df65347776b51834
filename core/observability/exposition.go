package observability

import (
	nethttp "net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/searchktools/fast-exchange/core/http"
)

// MetricsHandler serves the gatherer's metrics in whichever exposition
// format the client's Accept header asks for.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return http.HandlerFunc(func(req *http.Request, resp *http.Response) error {
		families, err := g.Gather()
		if err != nil && len(families) == 0 {
			return err
		}

		format := expfmt.Negotiate(nethttp.Header{"Accept": []string{req.Header("Accept")}})
		resp.SetContentType(string(format))

		enc := expfmt.NewEncoder(resp, format)
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				return err
			}
		}
		if closer, ok := enc.(expfmt.Closer); ok {
			return closer.Close()
		}
		return nil
	})
}
