package sqlguard

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/askledger/askledger/internal/schema"
)

// source is one FROM item visible to column references.
type source struct {
	name     string
	table    *schema.Table
	rangeVar *pg_query.RangeVar
	// columns lists the output columns of a derived source. A nil map means
	// the columns are not known and any name is accepted.
	columns map[string]struct{}
}

func (s *source) hasColumn(name string) bool {
	if s.table != nil {
		return s.table.HasColumn(name)
	}
	if s.columns == nil {
		return true
	}
	_, ok := s.columns[name]
	return ok
}

type cte struct {
	columns map[string]struct{}
}

// joinQual is a JOIN condition together with the sources it can pin. An
// outer join condition never removes rows from its preserved side.
type joinQual struct {
	expr *pg_query.Node
	pins []*source
}

type scope struct {
	parent    *scope
	stmt      *pg_query.SelectStmt
	sources   []*source
	ctes      map[string]*cte
	outputs   map[string]struct{}
	joinQuals []joinQual
}

func (s *scope) lookupSource(name string) *source {
	for current := s; current != nil; current = current.parent {
		for _, src := range current.sources {
			if src.name == name {
				return src
			}
		}
	}
	return nil
}

func (s *scope) lookupCTE(name string) (*cte, bool) {
	for current := s; current != nil; current = current.parent {
		if def, ok := current.ctes[name]; ok {
			return def, true
		}
	}
	return nil, false
}

// predicates returns the top-level AND conjuncts that constrain the rows src
// contributes to this SELECT: the WHERE clause and the JOIN conditions on the
// nullable or inner side of which src sits.
func (s *scope) predicates(src *source) []*pg_query.Node {
	out := conjuncts(s.stmt.GetWhereClause())
	for _, qual := range s.joinQuals {
		for _, pinned := range qual.pins {
			if pinned == src {
				out = append(out, conjuncts(qual.expr)...)
				break
			}
		}
	}
	return out
}

func (s *scope) qualExprs() []*pg_query.Node {
	out := make([]*pg_query.Node, 0, len(s.joinQuals))
	for _, qual := range s.joinQuals {
		out = append(out, qual.expr)
	}
	return out
}

type unfiltered struct {
	scope  *scope
	source *source
}

type analyzer struct {
	snapshot     schema.Snapshot
	tenantColumn string
	schemaName   string
	tenantID     string

	schemaDefects []Defect
	unauthorized  []Defect
	scopes        []*scope
}

func newAnalyzer(v *Validator, snapshot schema.Snapshot, tenantID string) *analyzer {
	return &analyzer{
		snapshot:     snapshot,
		tenantColumn: v.tenantColumn,
		schemaName:   v.schemaName,
		tenantID:     tenantID,
	}
}

func (a *analyzer) analyzeSelect(stmt *pg_query.SelectStmt, parent *scope) *scope {
	sc := &scope{parent: parent, stmt: stmt, ctes: map[string]*cte{}, outputs: map[string]struct{}{}}
	a.scopes = append(a.scopes, sc)

	if with := stmt.GetWithClause(); with != nil {
		for _, node := range with.GetCtes() {
			def := node.GetCommonTableExpr()
			if def == nil {
				continue
			}
			name := strings.ToLower(def.GetCtename())
			entry := &cte{columns: aliasColumns(def.GetAliascolnames())}
			if with.GetRecursive() {
				sc.ctes[name] = entry
			}
			if body := def.GetCtequery().GetSelectStmt(); body != nil {
				a.analyzeSelect(body, sc)
				if entry.columns == nil {
					entry.columns = outputColumns(body)
				}
			}
			sc.ctes[name] = entry
		}
	}

	if stmt.GetOp() != pg_query.SetOperation_SETOP_NONE {
		if stmt.GetLarg() != nil {
			a.analyzeSelect(stmt.GetLarg(), sc)
		}
		if stmt.GetRarg() != nil {
			a.analyzeSelect(stmt.GetRarg(), sc)
		}
		// ORDER BY and LIMIT of a set operation refer to its output columns.
		return sc
	}

	for _, item := range stmt.GetFromClause() {
		a.addFromItem(sc, item)
	}
	for _, target := range stmt.GetTargetList() {
		if res := target.GetResTarget(); res != nil && res.GetName() != "" {
			sc.outputs[strings.ToLower(res.GetName())] = struct{}{}
		}
	}

	a.walkExpressions(sc, stmt.GetTargetList()...)
	a.walkExpressions(sc, stmt.GetWhereClause(), stmt.GetHavingClause(), stmt.GetLimitCount(), stmt.GetLimitOffset())
	a.walkExpressions(sc, stmt.GetGroupClause()...)
	a.walkExpressions(sc, stmt.GetSortClause()...)
	a.walkExpressions(sc, stmt.GetDistinctClause()...)
	a.walkExpressions(sc, stmt.GetWindowClause()...)
	a.walkExpressions(sc, stmt.GetValuesLists()...)
	a.walkExpressions(sc, sc.qualExprs()...)
	return sc
}

func (a *analyzer) addFromItem(sc *scope, item *pg_query.Node) {
	switch {
	case item.GetRangeVar() != nil:
		a.addRangeVar(sc, item.GetRangeVar())
	case item.GetRangeTableSample() != nil:
		sample := item.GetRangeTableSample()
		a.addFromItem(sc, sample.GetRelation())
		a.walkExpressions(sc, sample.GetArgs()...)
		a.walkExpressions(sc, sample.GetRepeatable())
	case item.GetJoinExpr() != nil:
		join := item.GetJoinExpr()
		first := len(sc.sources)
		a.addFromItem(sc, join.GetLarg())
		split := len(sc.sources)
		a.addFromItem(sc, join.GetRarg())
		if join.GetQuals() == nil {
			return
		}
		left, right := sc.sources[first:split], sc.sources[split:]
		var pins []*source
		switch join.GetJointype() {
		case pg_query.JoinType_JOIN_INNER:
			pins = append(append(pins, left...), right...)
		case pg_query.JoinType_JOIN_LEFT:
			pins = append(pins, right...)
		case pg_query.JoinType_JOIN_RIGHT:
			pins = append(pins, left...)
		}
		sc.joinQuals = append(sc.joinQuals, joinQual{expr: join.GetQuals(), pins: pins})
	case item.GetRangeSubselect() != nil:
		sub := item.GetRangeSubselect()
		src := &source{name: aliasName(sub.GetAlias())}
		if body := sub.GetSubquery().GetSelectStmt(); body != nil {
			a.analyzeSelect(body, sc)
			src.columns = aliasColumns(sub.GetAlias().GetColnames())
			if src.columns == nil {
				src.columns = outputColumns(body)
			}
		}
		sc.sources = append(sc.sources, src)
	case item.GetRangeFunction() != nil:
		fn := item.GetRangeFunction()
		a.walkExpressions(sc, fn.GetFunctions()...)
		name := aliasName(fn.GetAlias())
		if name == "" {
			inspectAll(fn.GetFunctions(), func(node *pg_query.Node) bool {
				if call := node.GetFuncCall(); call != nil && name == "" {
					name = functionName(call)
				}
				return name == ""
			})
		}
		sc.sources = append(sc.sources, &source{name: name, columns: aliasColumns(fn.GetAlias().GetColnames())})
	case item.GetRangeTableFunc() != nil:
		fn := item.GetRangeTableFunc()
		a.walkExpressions(sc, item)
		name := aliasName(fn.GetAlias())
		if name == "" {
			name = "xmltable"
		}
		sc.sources = append(sc.sources, &source{name: name, columns: tableFuncColumns(fn.GetColumns())})
	case item.GetJsonTable() != nil:
		fn := item.GetJsonTable()
		a.walkExpressions(sc, item)
		name := aliasName(fn.GetAlias())
		if name == "" {
			name = "json_table"
		}
		sc.sources = append(sc.sources, &source{name: name, columns: tableFuncColumns(fn.GetColumns())})
	default:
		a.unauthorized = append(a.unauthorized, Defect{
			Kind:   DefectUnauthorizedStatement,
			Detail: fmt.Sprintf("FROM item %s is not supported", nodeKind(item)),
		})
		sc.sources = append(sc.sources, &source{})
	}
}

// tableFuncColumns names the columns an XMLTABLE or JSON_TABLE produces,
// including those of nested JSON_TABLE paths.
func tableFuncColumns(nodes []*pg_query.Node) map[string]struct{} {
	columns := map[string]struct{}{}
	inspectAll(nodes, func(node *pg_query.Node) bool {
		switch {
		case node.GetRangeTableFuncCol() != nil:
			columns[strings.ToLower(node.GetRangeTableFuncCol().GetColname())] = struct{}{}
		case node.GetJsonTableColumn() != nil:
			if name := node.GetJsonTableColumn().GetName(); name != "" {
				columns[strings.ToLower(name)] = struct{}{}
			}
		}
		return true
	})
	if len(columns) == 0 {
		return nil
	}
	return columns
}

func (a *analyzer) addRangeVar(sc *scope, rv *pg_query.RangeVar) {
	relname := strings.ToLower(rv.GetRelname())
	schemaName := strings.ToLower(rv.GetSchemaname())
	name := relname
	if alias := aliasName(rv.GetAlias()); alias != "" {
		name = alias
	}

	if schemaName == "" {
		if def, ok := sc.lookupCTE(relname); ok {
			columns := def.columns
			if rv.GetAlias() != nil && aliasColumns(rv.GetAlias().GetColnames()) != nil {
				columns = aliasColumns(rv.GetAlias().GetColnames())
			}
			sc.sources = append(sc.sources, &source{name: name, columns: columns})
			return
		}
	}

	qualified := relname
	if schemaName != "" {
		qualified = schemaName + "." + relname
	}
	if (schemaName != "" && schemaName != a.schemaName) || rv.GetCatalogname() != "" {
		a.schemaMismatch(fmt.Sprintf("unknown table %q", qualified), rv.GetLocation())
		sc.sources = append(sc.sources, &source{name: name})
		return
	}
	table, ok := a.snapshot.Table(relname)
	if !ok {
		a.schemaMismatch(fmt.Sprintf("unknown table %q", qualified), rv.GetLocation())
		sc.sources = append(sc.sources, &source{name: name})
		return
	}
	sc.sources = append(sc.sources, &source{name: name, table: &table, rangeVar: rv})
}

func (a *analyzer) walkExpressions(sc *scope, nodes ...*pg_query.Node) {
	for _, root := range nodes {
		inspect(root, func(node *pg_query.Node) bool {
			switch {
			case node.GetColumnRef() != nil:
				a.resolveColumn(sc, node.GetColumnRef())
				return false
			case node.GetSubLink() != nil:
				link := node.GetSubLink()
				a.walkExpressions(sc, link.GetTestexpr())
				if body := link.GetSubselect().GetSelectStmt(); body != nil {
					a.analyzeSelect(body, sc)
				}
				return false
			case node.GetSelectStmt() != nil:
				a.analyzeSelect(node.GetSelectStmt(), sc)
				return false
			case node.GetAExpr() != nil:
				a.checkTenantComparison(node.GetAExpr())
			}
			return true
		})
	}
}

func (a *analyzer) resolveColumn(sc *scope, ref *pg_query.ColumnRef) {
	fields := ref.GetFields()
	if len(fields) == 0 {
		return
	}
	last := fields[len(fields)-1]
	names := stringValues(fields)
	for i := range names {
		names[i] = strings.ToLower(names[i])
	}

	if last.GetAStar() != nil {
		if len(names) == 0 {
			return
		}
		qualifier := names[len(names)-1]
		if sc.lookupSource(qualifier) == nil {
			a.schemaMismatch(fmt.Sprintf("unknown table reference %q", qualifier), ref.GetLocation())
		}
		return
	}
	if len(names) == 0 {
		return
	}
	column := names[len(names)-1]

	if len(names) == 1 {
		for current := sc; current != nil; current = current.parent {
			if _, ok := current.outputs[column]; ok {
				return
			}
			for _, src := range current.sources {
				if src.hasColumn(column) {
					return
				}
			}
		}
		a.schemaMismatch(fmt.Sprintf("unknown column %q", column), ref.GetLocation())
		return
	}

	qualifier := names[len(names)-2]
	src := sc.lookupSource(qualifier)
	if src == nil {
		a.schemaMismatch(fmt.Sprintf("unknown table reference %q", qualifier), ref.GetLocation())
		return
	}
	if !src.hasColumn(column) {
		a.schemaMismatch(fmt.Sprintf("unknown column %q on %q", column, qualifier), ref.GetLocation())
	}
}

// checkTenantComparison rejects any comparison of the tenant column against a
// literal naming a different tenant.
func (a *analyzer) checkTenantComparison(expr *pg_query.A_Expr) {
	var other *pg_query.Node
	switch {
	case a.isTenantColumn(expr.GetLexpr()):
		other = expr.GetRexpr()
	case a.isTenantColumn(expr.GetRexpr()):
		other = expr.GetLexpr()
	default:
		return
	}
	inspect(other, func(node *pg_query.Node) bool {
		if value, ok := stringLiteral(node); ok {
			if !a.isSessionTenant(value) {
				a.unauthorized = append(a.unauthorized, Defect{
					Kind:     DefectUnauthorizedStatement,
					Detail:   fmt.Sprintf("%s is compared with a value other than the session tenant", a.tenantColumn),
					Position: position(expr.GetLocation()),
				})
			}
			return false
		}
		return true
	})
}

func (a *analyzer) isTenantColumn(node *pg_query.Node) bool {
	ref := node.GetColumnRef()
	if ref == nil {
		return false
	}
	names := stringValues(ref.GetFields())
	return len(names) > 0 && len(names) == len(ref.GetFields()) && strings.ToLower(names[len(names)-1]) == a.tenantColumn
}

func (a *analyzer) isSessionTenant(value string) bool {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	return err == nil && parsed.String() == a.tenantID
}

// filters reports whether conj pins src's tenant column to the session tenant.
func (a *analyzer) filters(sc *scope, src *source, conj *pg_query.Node) bool {
	expr := conj.GetAExpr()
	if expr == nil || expr.GetKind() != pg_query.A_Expr_Kind_AEXPR_OP {
		return false
	}
	op := stringValues(expr.GetName())
	if len(op) != 1 || op[0] != "=" {
		return false
	}
	for _, pair := range [][2]*pg_query.Node{{expr.GetLexpr(), expr.GetRexpr()}, {expr.GetRexpr(), expr.GetLexpr()}} {
		if !a.refersTo(sc, src, pair[0]) {
			continue
		}
		if value, ok := stringLiteral(pair[1]); ok && a.isSessionTenant(value) {
			return true
		}
	}
	return false
}

func (a *analyzer) refersTo(sc *scope, src *source, node *pg_query.Node) bool {
	if !a.isTenantColumn(node) {
		return false
	}
	names := stringValues(node.GetColumnRef().GetFields())
	switch len(names) {
	case 1:
		return len(sc.sources) == 1 && sc.sources[0] == src
	default:
		return strings.ToLower(names[len(names)-2]) == src.name
	}
}

// enforceTenant checks that every tenant-scoped table reference is pinned to
// the session tenant. A missing filter is added only when the statement reads
// from exactly one top-level table; any other gap is a defect.
func (a *analyzer) enforceTenant(top *pg_query.SelectStmt, topScope *scope) (bool, []Defect) {
	if len(a.unauthorized) > 0 {
		return false, a.unauthorized
	}

	var missing []unfiltered
	for _, sc := range a.scopes {
		for _, src := range sc.sources {
			if src.table == nil || !src.table.TenantScoped {
				continue
			}
			pinned := false
			for _, conj := range sc.predicates(src) {
				if a.filters(sc, src, conj) {
					pinned = true
					break
				}
			}
			if !pinned {
				missing = append(missing, unfiltered{scope: sc, source: src})
			}
		}
	}
	if len(missing) == 0 {
		return false, nil
	}

	if len(missing) == 1 && missing[0].scope == topScope && injectable(top) {
		a.inject(top, missing[0].source)
		return true, nil
	}

	defects := make([]Defect, 0, len(missing))
	for _, gap := range missing {
		detail := fmt.Sprintf("table %q is not filtered by %s", gap.source.table.Name, a.tenantColumn)
		if gap.source.name != gap.source.table.Name {
			detail = fmt.Sprintf("table %q (as %q) is not filtered by %s", gap.source.table.Name, gap.source.name, a.tenantColumn)
		}
		defects = append(defects, Defect{
			Kind:     DefectUnauthorizedStatement,
			Detail:   detail,
			Position: position(gap.source.rangeVar.GetLocation()),
		})
	}
	return false, defects
}

func injectable(top *pg_query.SelectStmt) bool {
	if top.GetOp() != pg_query.SetOperation_SETOP_NONE {
		return false
	}
	from := top.GetFromClause()
	if len(from) != 1 {
		return false
	}
	if sample := from[0].GetRangeTableSample(); sample != nil {
		return sample.GetRelation().GetRangeVar() != nil
	}
	return from[0].GetRangeVar() != nil
}

func (a *analyzer) inject(top *pg_query.SelectStmt, src *source) {
	filter := pg_query.MakeAExprNode(
		pg_query.A_Expr_Kind_AEXPR_OP,
		[]*pg_query.Node{pg_query.MakeStrNode("=")},
		pg_query.MakeColumnRefNode([]*pg_query.Node{pg_query.MakeStrNode(src.name), pg_query.MakeStrNode(a.tenantColumn)}, -1),
		pg_query.MakeAConstStrNode(a.tenantID, -1),
		-1,
	)

	where := top.GetWhereClause()
	switch {
	case where == nil:
		top.WhereClause = filter
	case where.GetBoolExpr() != nil && where.GetBoolExpr().GetBoolop() == pg_query.BoolExprType_AND_EXPR:
		and := where.GetBoolExpr()
		and.Args = append(and.Args, filter)
	default:
		top.WhereClause = pg_query.MakeBoolExprNode(pg_query.BoolExprType_AND_EXPR, []*pg_query.Node{where, filter}, -1)
	}
}

func (a *analyzer) schemaMismatch(detail string, location int32) {
	a.schemaDefects = append(a.schemaDefects, Defect{Kind: DefectSchemaMismatch, Detail: detail, Position: position(location)})
}

func aliasName(alias *pg_query.Alias) string {
	return strings.ToLower(alias.GetAliasname())
}

func aliasColumns(nodes []*pg_query.Node) map[string]struct{} {
	names := stringValues(nodes)
	if len(names) == 0 {
		return nil
	}
	columns := make(map[string]struct{}, len(names))
	for _, name := range names {
		columns[strings.ToLower(name)] = struct{}{}
	}
	return columns
}

// outputColumns derives the column names a SELECT produces. It returns nil
// when any output cannot be named, which makes the derived source permissive.
func outputColumns(stmt *pg_query.SelectStmt) map[string]struct{} {
	for stmt.GetOp() != pg_query.SetOperation_SETOP_NONE && stmt.GetLarg() != nil {
		stmt = stmt.GetLarg()
	}
	columns := map[string]struct{}{}
	for _, target := range stmt.GetTargetList() {
		res := target.GetResTarget()
		if res == nil {
			return nil
		}
		if res.GetName() != "" {
			columns[strings.ToLower(res.GetName())] = struct{}{}
			continue
		}
		val := res.GetVal()
		switch {
		case val.GetColumnRef() != nil:
			fields := val.GetColumnRef().GetFields()
			if len(fields) == 0 || fields[len(fields)-1].GetAStar() != nil {
				return nil
			}
			names := stringValues(fields)
			columns[strings.ToLower(names[len(names)-1])] = struct{}{}
		case val.GetFuncCall() != nil:
			columns[functionName(val.GetFuncCall())] = struct{}{}
		default:
			return nil
		}
	}
	return columns
}
