package internal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dgraph-io/badger/v4"

	"uplink/observability"
)

const sessionPrefix = "upload:session:"

// StartDebugServer exposes the persisted upload sessions and the live
// transfer stats over HTTP for troubleshooting a stuck client. Read-only,
// loopback only, runs until the process exits.
func StartDebugServer(log *slog.Logger, db *badger.DB, port int, stats func() observability.TransferStats) {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/sessions", func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		if prefix == "" {
			prefix = sessionPrefix
		}

		sessions := make([]json.RawMessage, 0)
		err := db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
				raw, err := it.Item().ValueCopy(nil)
				if err != nil {
					return err
				}
				sessions = append(sessions, raw)
			}
			return nil
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"prefix":   prefix,
			"sessions": sessions,
		})
	})

	mux.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats())
	})

	go func() {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		log.Info("Debug server listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warn("Debug server stopped", "error", err)
		}
	}()
}
