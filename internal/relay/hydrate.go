package relay

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gbasin/scriptum/internal/coreerr"
	"github.com/gbasin/scriptum/internal/crdt"
)

// StoreFullStateFunc builds a FullStateFunc that reconstructs a document's
// current full CRDT state from the relay's own durable record: the latest
// snapshot (inline or object-store-offloaded) plus every update recorded
// after it. This is the relay-side counterpart to durability.Manager's
// local hydrate-from-snapshot-plus-WAL sequence, replaying the
// relational log instead of a WAL file.
func StoreFullStateFunc(store *Store, objects ObjectStore) FullStateFunc {
	return func(ctx context.Context, workspace, doc uuid.UUID) ([]byte, int64, error) {
		seq, inlinePayload, objectKey, found, err := store.LatestSnapshotMeta(ctx, workspace, doc)
		if err != nil {
			return nil, 0, err
		}

		var document *crdt.Document
		switch {
		case !found:
			document = crdt.NewDocument()
		case objectKey != "":
			payload, err := objects.Get(ctx, objectKey)
			if err != nil {
				return nil, 0, err
			}
			document, err = crdt.NewDocumentFromState(payload)
			if err != nil {
				return nil, 0, coreerr.Wrap(coreerr.Integrity, err, fmt.Sprintf("restore relay snapshot object %q", objectKey))
			}
		default:
			document, err = crdt.NewDocumentFromState(inlinePayload)
			if err != nil {
				return nil, 0, coreerr.Wrap(coreerr.Integrity, err, "restore relay inline snapshot")
			}
		}

		updates, maxSeq, err := store.UpdatesSince(ctx, workspace, doc, seq)
		if err != nil {
			return nil, 0, err
		}
		for _, update := range updates {
			if err := document.ApplyUpdate(update); err != nil {
				return nil, 0, coreerr.Wrap(coreerr.Integrity, err, "replay update onto relay-side replica")
			}
		}

		return document.EncodeState(), maxSeq, nil
	}
}
