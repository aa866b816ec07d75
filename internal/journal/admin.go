package journal

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/robolink/internal/httputil"
)

// AttachAdminRoutes mounts tailsql over the journal at /debug/tailsql/ and
// the most recent frames as JSON at /debug/journal.
func (j *Journal) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+j.path, j.db, &tailsql.DBOptions{
		Label: "Frame journal",
	})
	debug.Handle("tailsql/", "SQL over the frame journal", tsql.NewMux())

	debug.HandleFunc("journal", "recent journalled frames", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 1000 {
				httputil.BadRequest(w, "invalid limit")
				return
			}
			limit = n
		}
		frames, err := j.Recent(r.Context(), limit)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, struct {
			RunID  string  `json:"run_id"`
			Stats  Stats   `json:"stats"`
			Frames []Frame `json:"frames"`
		}{j.runID, j.Stats(), frames})
	})
	return nil
}
