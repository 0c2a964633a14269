package storage

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildAuditArchivePath lays archived audit batches out as
// audit/<tenant>/date=YYYY-MM-DD/<batch>.parquet.
func BuildAuditArchivePath(tenantID string, day time.Time, batchID string) (string, error) {
	if err := validatePathComponent(tenantID, "tenant id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(batchID, "batch id"); err != nil {
		return "", err
	}
	ts := day.UTC()
	return path.Join(
		"audit",
		tenantID,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		batchID+".parquet",
	), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
