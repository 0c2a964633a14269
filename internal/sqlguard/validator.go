package sqlguard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/pganalyze/pg_query_go/v6/parser"

	"github.com/askledger/askledger/internal/schema"
)

var DefaultDeniedFunctions = []string{
	"set_config", "current_setting",
	"pg_sleep", "pg_sleep_for", "pg_sleep_until",
	"pg_read_file", "pg_read_binary_file", "pg_ls_dir", "pg_stat_file",
	"lo_import", "lo_export", "lo_get",
	"dblink", "dblink_exec",
	"pg_terminate_backend", "pg_cancel_backend", "pg_reload_conf",
	"pg_advisory_lock", "pg_advisory_xact_lock", "pg_try_advisory_lock",
	"nextval", "setval", "pg_notify",
	"query_to_xml", "query_to_xml_and_xmlschema", "table_to_xml", "database_to_xml",
}

type Policy struct {
	// AllowedStatements lists statement kinds by leading keyword, e.g. SELECT.
	AllowedStatements []string
	TenantColumn      string
	SchemaName        string
	DeniedFunctions   []string
}

type Validator struct {
	allowed      map[string]struct{}
	tenantColumn string
	schemaName   string
	denied       map[string]struct{}
}

func NewValidator(policy Policy) (*Validator, error) {
	allowed := map[string]struct{}{}
	for _, kind := range policy.AllowedStatements {
		kind = strings.ToUpper(strings.TrimSpace(kind))
		if kind != "" {
			allowed[kind] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		allowed["SELECT"] = struct{}{}
	}
	tenantColumn := strings.ToLower(strings.TrimSpace(policy.TenantColumn))
	if tenantColumn == "" {
		return nil, fmt.Errorf("tenant column is required")
	}
	schemaName := strings.ToLower(strings.TrimSpace(policy.SchemaName))
	if schemaName == "" {
		schemaName = "public"
	}
	deniedList := policy.DeniedFunctions
	if deniedList == nil {
		deniedList = DefaultDeniedFunctions
	}
	denied := make(map[string]struct{}, len(deniedList))
	for _, name := range deniedList {
		denied[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}
	return &Validator{allowed: allowed, tenantColumn: tenantColumn, schemaName: schemaName, denied: denied}, nil
}

// Validate checks statement for tenantID against snapshot. Checks run in a
// fixed order (shape, schema, tenant isolation, re-parse of the normalised
// statement) and stop at the first category that reports defects. A statement
// that cannot be parsed at all reports only the syntax error.
func (v *Validator) Validate(statement, tenantID string, snapshot schema.Snapshot) Result {
	tenant, err := uuid.Parse(strings.TrimSpace(tenantID))
	if err != nil {
		return invalid(Defect{Kind: DefectUnauthorizedStatement, Detail: "session tenant is not a valid identifier"})
	}

	tree, err := pg_query.Parse(statement)
	if err != nil {
		return invalid(syntaxDefect(err))
	}
	if len(tree.GetStmts()) == 0 {
		return invalid(Defect{Kind: DefectSyntaxError, Detail: "empty statement"})
	}

	if defects := v.checkShape(tree); len(defects) > 0 {
		return invalid(defects...)
	}

	root := tree.GetStmts()[0].GetStmt()
	top := root.GetSelectStmt()
	if top == nil {
		return invalid(Defect{
			Kind:   DefectUnauthorizedStatement,
			Detail: fmt.Sprintf("tenant isolation cannot be verified for %s statements", statementKind(root)),
		})
	}

	a := newAnalyzer(v, snapshot, tenant.String())
	topScope := a.analyzeSelect(top, nil)
	if len(a.schemaDefects) > 0 {
		return invalid(a.schemaDefects...)
	}

	injected, defects := a.enforceTenant(top, topScope)
	if len(defects) > 0 {
		return invalid(defects...)
	}

	normalized, err := pg_query.Deparse(tree)
	if err != nil {
		return invalid(Defect{Kind: DefectSyntaxError, Detail: "statement could not be normalised: " + err.Error()})
	}
	if _, err := pg_query.Parse(normalized); err != nil {
		return invalid(syntaxDefect(err))
	}
	return Result{Valid: true, NormalizedSQL: normalized, TenantInjected: injected}
}

func (v *Validator) checkShape(tree *pg_query.ParseResult) []Defect {
	stmts := tree.GetStmts()
	if len(stmts) > 1 {
		return []Defect{{Kind: DefectUnauthorizedStatement, Detail: fmt.Sprintf("expected a single statement, found %d", len(stmts))}}
	}

	var defects []Defect
	root := stmts[0].GetStmt()
	if kind := statementKind(root); !v.allows(kind) {
		defects = append(defects, Defect{Kind: DefectUnauthorizedStatement, Detail: fmt.Sprintf("%s statements are not allowed", kind)})
	}

	inspect(root, func(node *pg_query.Node) bool {
		if node != root {
			if kind := statementKind(node); kind != "" && !v.allows(kind) {
				defects = append(defects, Defect{Kind: DefectUnauthorizedStatement, Detail: fmt.Sprintf("nested %s statements are not allowed", kind)})
			}
		}
		if sel := node.GetSelectStmt(); sel != nil {
			defects = append(defects, v.checkSelectShape(sel)...)
		}
		if call := node.GetFuncCall(); call != nil {
			if name := functionName(call); name != "" {
				if _, deny := v.denied[name]; deny {
					defects = append(defects, Defect{
						Kind:     DefectUnauthorizedStatement,
						Detail:   fmt.Sprintf("function %s is not allowed", name),
						Position: position(call.GetLocation()),
					})
				}
			}
		}
		return true
	})
	return defects
}

func (v *Validator) checkSelectShape(sel *pg_query.SelectStmt) []Defect {
	var defects []Defect
	if sel.GetIntoClause() != nil {
		defects = append(defects, Defect{Kind: DefectUnauthorizedStatement, Detail: "SELECT INTO is not allowed"})
	}
	if len(sel.GetLockingClause()) > 0 {
		defects = append(defects, Defect{Kind: DefectUnauthorizedStatement, Detail: "row locking clauses are not allowed"})
	}
	// Set operation branches are not wrapped in Nodes, so the walker never
	// reaches them directly.
	if sel.GetLarg() != nil {
		defects = append(defects, v.checkSelectShape(sel.GetLarg())...)
	}
	if sel.GetRarg() != nil {
		defects = append(defects, v.checkSelectShape(sel.GetRarg())...)
	}
	return defects
}

func (v *Validator) allows(kind string) bool {
	_, ok := v.allowed[kind]
	return ok
}

func syntaxDefect(err error) Defect {
	var parseErr *parser.Error
	if errors.As(err, &parseErr) {
		return Defect{Kind: DefectSyntaxError, Detail: parseErr.Message, Position: parseErr.Cursorpos}
	}
	return Defect{Kind: DefectSyntaxError, Detail: err.Error()}
}
