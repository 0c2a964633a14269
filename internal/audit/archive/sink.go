package archive

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/askledger/askledger/internal/audit"
	"github.com/askledger/askledger/internal/storage"
)

const contentType = "application/vnd.apache.parquet"

// Sink archives audit batches as one parquet object per tenant and UTC day.
type Sink struct {
	store storage.ObjectStore
	newID func() string
}

func NewSink(store storage.ObjectStore) (*Sink, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	return &Sink{store: store, newID: uuid.NewString}, nil
}

type partition struct {
	tenantID string
	day      string
}

func (s *Sink) Write(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	groups := make(map[partition][]audit.Record)
	for _, record := range records {
		key := partition{tenantID: record.TenantID, day: record.FinishedAt.UTC().Format(time.DateOnly)}
		groups[key] = append(groups[key], record)
	}
	keys := make([]partition, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].tenantID == keys[j].tenantID {
			return keys[i].day < keys[j].day
		}
		return keys[i].tenantID < keys[j].tenantID
	})

	var result *multierror.Error
	for _, key := range keys {
		if err := s.writePartition(ctx, groups[key]); err != nil {
			result = multierror.Append(result, fmt.Errorf("archive tenant %s day %s: %w", key.tenantID, key.day, err))
		}
	}
	return result.ErrorOrNil()
}

func (s *Sink) writePartition(ctx context.Context, records []audit.Record) error {
	batchID := s.newID()
	objectKey, err := storage.BuildAuditArchivePath(records[0].TenantID, records[0].FinishedAt, batchID)
	if err != nil {
		return err
	}
	data, err := encodeRecords(records)
	if err != nil {
		return err
	}
	if _, err := s.store.Put(ctx, objectKey, bytes.NewReader(data), int64(len(data)), storage.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"tenant-id":    records[0].TenantID,
			"batch-id":     batchID,
			"record-count": strconv.Itoa(len(records)),
		},
		Tags: map[string]string{"kind": "audit-batch"},
	}); err != nil {
		return err
	}
	return nil
}
