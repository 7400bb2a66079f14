package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/olekukonko/tablewriter"

	"uplink/domain"
)

// Standalone inspector for the local session store. Opens the database
// read-only so it can run next to a live client.
func main() {
	dbPath := flag.String("db", "", "path to the badger session store")
	prefix := flag.String("prefix", "upload:session:", "key prefix to scan")
	flag.Parse()

	if *dbPath == "" {
		log.Fatal("missing -db path")
	}

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Upload ID", "Status", "Chunks", "Progress", "Failed", "Last Activity", "Expires In"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	now := time.Now()
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(*prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			err := item.Value(func(v []byte) error {
				var session domain.UploadSession
				if err := json.Unmarshal(v, &session); err != nil {
					// A bad row should not stop the whole scan.
					fmt.Printf("Error unmarshaling key %s: %v\n", string(item.Key()), err)
					return nil
				}

				failed := "-"
				if session.FailedChunk != nil {
					failed = fmt.Sprintf("chunk %d", *session.FailedChunk)
				}

				expiresIn := "expired"
				if remaining := session.ExpiresAt().Sub(now); remaining > 0 {
					expiresIn = remaining.Round(time.Second).String()
				}

				table.Append([]string{
					session.UploadID,
					string(session.Status),
					fmt.Sprintf("%d/%d", session.UploadedChunks(), session.TotalChunks),
					fmt.Sprintf("%.1f%%", session.Progress()),
					failed,
					session.LastActivity.Format("15:04:05"),
					expiresIn,
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		log.Fatal(err)
	}

	table.Render()
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true)

	return badger.Open(opts)
}
