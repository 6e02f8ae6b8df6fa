package spool

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"ecrecv/internal/copyutil"
	"ecrecv/internal/dataset"
	"ecrecv/internal/model"

	"github.com/gorilla/mux"
	"github.com/spf13/afero"
)

// StatusFunc lists the transfers known to the coordinator.
type StatusFunc func() []model.FileTransfer

// Handler routes the ingest API:
//
//	PUT  /v1/files/{name}           one segment, placed by Content-Range,
//	                                optional X-Checksum-Md5
//	POST /v1/files/{name}/complete  end of transfer, optional X-Checksum-Md5
//	GET  /v1/files                  transfer states
//	GET  /v1/refetch                names waiting to be delivered again
func (s *Spool) Handler(status StatusFunc) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/files/{name}", NewSegmentHandler(s, s.log)).Methods(http.MethodPut)
	r.HandleFunc("/v1/files/{name}/complete", NewCompleteHandler(s, s.log)).Methods(http.MethodPost)
	r.HandleFunc("/v1/files", NewStatusHandler(status, s.log)).Methods(http.MethodGet)
	r.HandleFunc("/v1/refetch", NewRefetchHandler(s, s.log)).Methods(http.MethodGet)
	return r
}

// parseContentRange reads "bytes a-b/total" where b is inclusive and total
// may be "*". Without the header the body is the whole file.
func parseContentRange(h string, length int64) (start, end, total int64, err error) {
	if h == "" {
		if length < 0 {
			return 0, 0, 0, errors.New("missing Content-Length")
		}
		return 0, length, length, nil
	}

	rng, ok := strings.CutPrefix(h, "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("unsupported range unit in %q", h)
	}
	span, size, ok := strings.Cut(rng, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", h)
	}
	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", h)
	}

	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("range start: %w", err)
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("range end: %w", err)
	}
	end++

	total = model.UnknownSize
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("range total: %w", err)
		}
	}

	switch {
	case start < 0 || end <= start:
		return 0, 0, 0, fmt.Errorf("empty range in %q", h)
	case total != model.UnknownSize && end > total:
		return 0, 0, 0, fmt.Errorf("range %q beyond total size", h)
	case length >= 0 && length != end-start:
		return 0, 0, 0, fmt.Errorf("body is %d bytes, range is %d", length, end-start)
	}
	return start, end, total, nil
}

const openFlags = os.O_CREATE | os.O_WRONLY

// writeAt places one segment into the spool file. Segments may arrive in
// any order and overlap.
func (s *Spool) writeAt(name string, start int64, body io.Reader, n int64) error {
	f, err := s.fs.OpenFile(s.path(name), openFlags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return err
	}
	written, err := io.Copy(f, io.LimitReader(body, n))
	if err != nil {
		return err
	}
	if written != n {
		return fmt.Errorf("short body: %d of %d bytes", written, n)
	}
	return f.Sync()
}

func NewSegmentHandler(s *Spool, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "SegmentHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if err := validName(name); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		start, end, total, err := parseContentRange(r.Header.Get("Content-Range"), r.ContentLength)
		if err != nil {
			http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)

			return
		}

		if !s.acceptChecksum(w, r, name, log) {
			return
		}

		if err := s.writeAt(name, start, r.Body, end-start); err != nil {
			log.Error("Cannot write segment", slog.String("name", name), slog.Any("error", err))
			http.Error(w, "Cannot write segment", http.StatusInternalServerError)

			return
		}

		if err := s.segment(r.Context(), name, start, end, total); err != nil {
			log.Error("Cannot report segment", slog.String("name", name), slog.Any("error", err))
			http.Error(w, "Cannot report segment", http.StatusServiceUnavailable)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func NewCompleteHandler(s *Spool, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "CompleteHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if err := validName(name); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		if !s.acceptChecksum(w, r, name, log) {
			return
		}

		if ok, _ := afero.Exists(s.fs, s.path(name)); !ok {
			http.Error(w, "No data received for "+name, http.StatusNotFound)

			return
		}

		if err := s.complete(r.Context(), name); err != nil {
			log.Error("Cannot report completion", slog.String("name", name), slog.Any("error", err))
			http.Error(w, "Cannot report completion", http.StatusServiceUnavailable)

			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

// acceptChecksum stores the X-Checksum-Md5 header as the sidecar of name.
// It reports false after writing an error response.
func (s *Spool) acceptChecksum(w http.ResponseWriter, r *http.Request, name string, log *slog.Logger) bool {
	sum := r.Header.Get("X-Checksum-Md5")
	if sum == "" {
		return true
	}
	if b, err := hex.DecodeString(sum); err != nil || len(b) != 16 {
		http.Error(w, "X-Checksum-Md5 is not an md5 hex digest", http.StatusBadRequest)

		return false
	}
	if err := s.writeChecksum(name, strings.ToLower(sum)); err != nil {
		log.Error("Cannot write checksum", slog.String("name", name), slog.Any("error", err))
		http.Error(w, "Cannot write checksum", http.StatusInternalServerError)

		return false
	}
	return true
}

func (s *Spool) writeChecksum(name, sum string) error {
	tmp := s.path(name) + dataset.ChecksumSuffix + dataset.TempSuffix
	if err := afero.WriteFile(s.fs, tmp, []byte(sum+"  "+name+"\n"), 0o644); err != nil {
		return err
	}
	return copyutil.Move(s.fs, tmp, dataset.ChecksumPath(s.path(name)))
}

type fileStatus struct {
	ID        model.ID    `json:"id"`
	Name      string      `json:"name"`
	State     model.State `json:"state"`
	Attempts  int         `json:"attempts"`
	Received  string      `json:"received"`
	LastError string      `json:"last_error,omitempty"`
	NextRunAt *time.Time  `json:"next_run_at,omitempty"`
	Acked     bool        `json:"acked"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func NewStatusHandler(status StatusFunc, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "StatusHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		want := r.URL.Query()["state"]

		out := []fileStatus{}
		for _, f := range status() {
			if len(want) > 0 && !contains(want, string(f.State)) {
				continue
			}
			st := fileStatus{
				ID:        f.ID,
				Name:      f.Name,
				State:     f.State,
				Attempts:  f.Attempts,
				Received:  f.Ranges.String(),
				LastError: f.LastError,
				Acked:     f.Acked,
				UpdatedAt: f.UpdatedAt,
			}
			if !f.NextRunAt.IsZero() {
				next := f.NextRunAt
				st.NextRunAt = &next
			}
			out = append(out, st)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			log.Error("Cannot encode status", slog.Any("error", err))
		}
	}
}

func NewRefetchHandler(s *Spool, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "RefetchHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		pending := s.PendingRefetches()
		if pending == nil {
			pending = []PendingRefetch{}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(pending); err != nil {
			log.Error("Cannot encode refetches", slog.Any("error", err))
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Serve runs the ingest API on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Ingest listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
