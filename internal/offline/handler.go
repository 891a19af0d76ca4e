package offline

import (
	"errors"
	"net/http"

	appLog "github.com/tazhate/campusboard/internal/log"
)

// CacheHeader reports the Source of every response written by ServeHTTP.
const CacheHeader = "X-Campusboard-Cache"

// ServeHTTP answers page requests through HandleFetch.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := m.HandleFetch(r.Context(), r)
	if err != nil {
		if errors.Is(err, ErrOffline) {
			appLog.Debug("fetch failed while offline", "path", r.URL.Path, "err", err)
			http.Error(w, "offline and not cached", http.StatusGatewayTimeout)
			return
		}
		appLog.Error("fetch failed", err, "path", r.URL.Path)
		http.Error(w, "fetch failed", http.StatusBadGateway)
		return
	}

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(CacheHeader, string(resp.Source))
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}
