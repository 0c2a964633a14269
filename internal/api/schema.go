package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/askledger/askledger/internal/auth"
	"github.com/askledger/askledger/internal/schema"
)

type schemaColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type schemaRelation struct {
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
}

type schemaTable struct {
	Name         string           `json:"name"`
	TenantScoped bool             `json:"tenant_scoped"`
	Columns      []schemaColumn   `json:"columns"`
	Relations    []schemaRelation `json:"relations,omitempty"`
}

type schemaResponse struct {
	TenantID   string        `json:"tenant_id"`
	Version    int64         `json:"version"`
	CapturedAt time.Time     `json:"captured_at"`
	Tables     []schemaTable `json:"tables"`
}

func handleGetSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schemas == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema cache is not configured", false, nil)
		return
	}
	tenantID, err := tenantFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "TENANT_REQUIRED", err.Error(), false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAnalyst); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	// cached=true reports what runs currently see without forcing a refresh.
	if r.URL.Query().Get("cached") == "true" {
		snapshot, ok := deps.Schemas.Peek(tenantID)
		if !ok {
			writeError(r.Context(), w, http.StatusNotFound, "SCHEMA_NOT_CACHED", "no schema snapshot is cached for the tenant", false, nil)
			return
		}
		writeJSON(w, http.StatusOK, toSchemaResponse(snapshot))
		return
	}

	snapshot, err := deps.Schemas.Get(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, schema.ErrUnknownTenant) {
			writeError(r.Context(), w, http.StatusNotFound, "TENANT_NOT_FOUND", "tenant is not known to the schema source", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", "schema information is unavailable", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, toSchemaResponse(snapshot))
}

func handleInvalidateSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schemas == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema cache is not configured", false, nil)
		return
	}
	tenantID, err := tenantFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "TENANT_REQUIRED", err.Error(), false, nil)
		return
	}
	if err := requireRole(r, auth.RoleSchemaAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	deps.Schemas.Invalidate(tenantID)
	if deps.Logger != nil {
		deps.Logger.InfoContext(r.Context(), "schema invalidated", "tenant_id", tenantID)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "invalidated", "tenant_id": tenantID})
}

func toSchemaResponse(snapshot schema.Snapshot) schemaResponse {
	response := schemaResponse{
		TenantID:   snapshot.TenantID,
		Version:    snapshot.Version,
		CapturedAt: snapshot.CapturedAt,
		Tables:     make([]schemaTable, 0, len(snapshot.Tables)),
	}
	for _, name := range snapshot.TableNames() {
		table := snapshot.Tables[name]
		out := schemaTable{Name: name, TenantScoped: table.TenantScoped, Columns: make([]schemaColumn, 0, len(table.Columns))}
		for _, column := range table.Columns {
			out.Columns = append(out.Columns, schemaColumn{Name: column.Name, Type: column.Type})
		}
		for _, relation := range table.Relations {
			out.Relations = append(out.Relations, schemaRelation{Column: relation.Column, RefTable: relation.RefTable, RefColumn: relation.RefColumn})
		}
		response.Tables = append(response.Tables, out)
	}
	return response
}
