package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clickcluster/segmentd/pkg/logging"
)

// stringFlagSetterFunc is a func used for setting string type flag.
type stringFlagSetterFunc func(string) (string, error)

// logLevelSetter adjusts the zap level at runtime.
func logLevelSetter(val string) (string, error) {
	logging.SetLogLevel(val)
	return fmt.Sprintf("successfully set log level to %s", val), nil
}

// stringFlagPutHandler wraps an http Handler to set string type flag.
func stringFlagPutHandler(setter stringFlagSetterFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.Method == "PUT":
			body, err := io.ReadAll(req.Body)
			if err != nil {
				writePlainText(http.StatusBadRequest, "error reading request body: "+err.Error(), w)
				return
			}
			defer req.Body.Close()
			response, err := setter(string(body))
			if err != nil {
				writePlainText(http.StatusBadRequest, err.Error(), w)
				return
			}
			writePlainText(http.StatusOK, response, w)
			return
		default:
			writePlainText(http.StatusNotAcceptable, "unsupported http method", w)
			return
		}
	})
}

// writePlainText renders a simple string response.
func writePlainText(statusCode int, text string, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	fmt.Fprintln(w, text)
}

// StartMetricsServer serves /metrics plus pprof until stopChan closes.
func StartMetricsServer(bindAddress string, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	// Allow changes to log level at runtime
	mux.HandleFunc("/debug/flags/v", stringFlagPutHandler(logLevelSetter))

	startMetricsServer(bindAddress, mux, stopChan, wg)
}

func startMetricsServer(bindAddress string, handler http.Handler, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			logging.Debugf("Starting metrics server at address %q", bindAddress)
			server := &http.Server{Addr: bindAddress, Handler: handler}

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.ListenAndServe()
			}()
			select {
			case err := <-errCh:
				logging.Errorf("metrics server at address %q failed: %v", bindAddress, err)
			case <-stopChan:
				logging.Debugf("Stopping metrics server at address %q", bindAddress)
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logging.Errorf("error stopping metrics server at address %q: %v", bindAddress, err)
				}
				return
			}

			// Restart after a beat unless we are shutting down.
			select {
			case <-stopChan:
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()
}
