package sqlguard

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// inspect visits every *pg_query.Node reachable from root in depth-first
// order. Returning false from visit skips that node's children.
func inspect(root *pg_query.Node, visit func(*pg_query.Node) bool) {
	if root == nil {
		return
	}
	inspectMessage(root.ProtoReflect(), visit)
}

func inspectAll(nodes []*pg_query.Node, visit func(*pg_query.Node) bool) {
	for _, node := range nodes {
		inspect(node, visit)
	}
}

func inspectMessage(m protoreflect.Message, visit func(*pg_query.Node) bool) {
	if !m.IsValid() {
		return
	}
	if node, ok := m.Interface().(*pg_query.Node); ok && !visit(node) {
		return
	}
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.Message() == nil || fd.IsMap() {
			return true
		}
		if fd.IsList() {
			list := v.List()
			for i := 0; i < list.Len(); i++ {
				inspectMessage(list.Get(i).Message(), visit)
			}
			return true
		}
		inspectMessage(v.Message(), visit)
		return true
	})
}

// statementKind names the statement a node holds: SelectStmt is "SELECT",
// DropStmt is "DROP". Non-statement nodes return "".
func statementKind(node *pg_query.Node) string {
	name := nodeKind(node)
	if !strings.HasSuffix(name, "Stmt") {
		return ""
	}
	return strings.ToUpper(strings.TrimSuffix(name, "Stmt"))
}

// nodeKind returns the message name of the value a node wraps, e.g.
// "RangeVar", or "" for an empty node.
func nodeKind(node *pg_query.Node) string {
	if node == nil {
		return ""
	}
	m := node.ProtoReflect()
	oneofs := m.Descriptor().Oneofs()
	if oneofs.Len() == 0 {
		return ""
	}
	fd := m.WhichOneof(oneofs.Get(0))
	if fd == nil || fd.Message() == nil {
		return ""
	}
	return string(fd.Message().Name())
}

func stringValues(nodes []*pg_query.Node) []string {
	values := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if s := node.GetString_(); s != nil {
			values = append(values, s.GetSval())
		}
	}
	return values
}

// functionName returns the unqualified, lower-cased function name.
func functionName(call *pg_query.FuncCall) string {
	parts := stringValues(call.GetFuncname())
	if len(parts) == 0 {
		return ""
	}
	return strings.ToLower(parts[len(parts)-1])
}

// conjuncts flattens a boolean AND tree into its operands.
func conjuncts(node *pg_query.Node) []*pg_query.Node {
	if node == nil {
		return nil
	}
	if b := node.GetBoolExpr(); b != nil && b.GetBoolop() == pg_query.BoolExprType_AND_EXPR {
		var out []*pg_query.Node
		for _, arg := range b.GetArgs() {
			out = append(out, conjuncts(arg)...)
		}
		return out
	}
	return []*pg_query.Node{node}
}

// stringLiteral unwraps an optionally cast string constant.
func stringLiteral(node *pg_query.Node) (string, bool) {
	for node != nil {
		if cast := node.GetTypeCast(); cast != nil {
			node = cast.GetArg()
			continue
		}
		if c := node.GetAConst(); c != nil && !c.GetIsnull() {
			if s := c.GetSval(); s != nil {
				return s.GetSval(), true
			}
		}
		return "", false
	}
	return "", false
}

func position(location int32) int {
	if location < 0 {
		return 0
	}
	return int(location) + 1
}
