// visualize.go — rendering an AST as a box-drawing tree for the `ast`
// inspection command.
package helix

import (
	"fmt"

	"github.com/m1gwings/treedrawer/tree"
)

// DrawAst renders the declaration tree with unicode box drawing. Leaf
// nodes show `key = value` in canonical form.
func DrawAst(ast *HelixAst) string {
	root := tree.NewTree(tree.NodeString("file"))
	for _, decl := range ast.Declarations {
		addDeclarationNode(root, decl)
	}
	return root.String()
}

func addDeclarationNode(parent *tree.Tree, decl Declaration) {
	switch v := decl.Data.(type) {
	case *ProjectDecl:
		node := parent.AddChild(tree.NodeString(`project ` + quoteString(v.Name)))
		addPropertyNodes(node, v.Properties)
	case *AgentDecl:
		node := parent.AddChild(tree.NodeString(`agent ` + quoteString(v.Name)))
		addPropertyNodes(node, v.Properties)
		if len(v.Capabilities) > 0 {
			caps := node.AddChild(tree.NodeString("capabilities"))
			for _, c := range v.Capabilities {
				caps.AddChild(tree.NodeString(c))
			}
		}
		if len(v.Backstory) > 0 {
			node.AddChild(tree.NodeString(fmt.Sprintf("backstory (%d lines)", len(v.Backstory))))
		}
	case *WorkflowDecl:
		node := parent.AddChild(tree.NodeString(`workflow ` + quoteString(v.Name)))
		if v.Trigger != nil {
			addExpressionNode(node, "trigger", *v.Trigger)
		}
		addPropertyNodes(node, v.Properties)
		for _, step := range v.Steps {
			stepNode := node.AddChild(tree.NodeString(`step ` + quoteString(step.Name)))
			if step.Agent != "" {
				stepNode.AddChild(tree.NodeString("agent = " + quoteString(step.Agent)))
			}
			for _, member := range step.Crew {
				stepNode.AddChild(tree.NodeString("crew: " + member))
			}
			if step.Task != "" {
				stepNode.AddChild(tree.NodeString("task = " + quoteString(step.Task)))
			}
			addPropertyNodes(stepNode, step.Properties)
		}
		if v.Pipeline != nil {
			node.AddChild(tree.NodeString("pipeline: " + flowString(v.Pipeline.Flow)))
		}
	case *MemoryDecl:
		node := parent.AddChild(tree.NodeString("memory"))
		if v.Provider != "" {
			node.AddChild(tree.NodeString("provider = " + quoteString(v.Provider)))
		}
		if v.Connection != "" {
			node.AddChild(tree.NodeString("connection = " + quoteString(v.Connection)))
		}
		addPropertyNodes(node, v.Properties)
		if v.Embeddings != nil {
			emb := node.AddChild(tree.NodeString("embeddings"))
			emb.AddChild(tree.NodeString("model = " + quoteString(v.Embeddings.Model)))
			if v.Embeddings.Dimensions != 0 {
				emb.AddChild(tree.NodeString(fmt.Sprintf("dimensions = %d", v.Embeddings.Dimensions)))
			}
			addPropertyNodes(emb, v.Embeddings.Properties)
		}
	case *ContextDecl:
		node := parent.AddChild(tree.NodeString(`context ` + quoteString(v.Name)))
		if v.Environment != "" {
			node.AddChild(tree.NodeString("environment = " + quoteString(v.Environment)))
		}
		addPropertyNodes(node, v.Properties)
		if v.Secrets.Len() > 0 {
			secrets := node.AddChild(tree.NodeString("secrets"))
			addPropertyNodes(secrets, v.Secrets)
		}
		if v.Variables.Len() > 0 {
			vars := node.AddChild(tree.NodeString("variables"))
			addPropertyNodes(vars, v.Variables)
		}
	case *CrewDecl:
		node := parent.AddChild(tree.NodeString(`crew ` + quoteString(v.Name)))
		for _, member := range v.Agents {
			node.AddChild(tree.NodeString("agent: " + member))
		}
		if v.ProcessType != "" {
			node.AddChild(tree.NodeString("process = " + quoteString(v.ProcessType)))
		}
		addPropertyNodes(node, v.Properties)
	case *PipelineDecl:
		node := parent.AddChild(tree.NodeString(pipelineHeader(v.Name)))
		node.AddChild(tree.NodeString(flowString(v.Flow)))
	case *PluginDecl:
		node := parent.AddChild(tree.NodeString(`plugin ` + quoteString(v.Name)))
		if v.Source != "" {
			node.AddChild(tree.NodeString("source = " + quoteString(v.Source)))
		}
		if v.Version != "" {
			node.AddChild(tree.NodeString("version = " + quoteString(v.Version)))
		}
		addPropertyNodes(node, v.Config)
	case *DatabaseDecl:
		node := parent.AddChild(tree.NodeString(`database ` + quoteString(v.Name)))
		addPropertyNodes(node, v.Properties)
	case *LoadDecl:
		node := parent.AddChild(tree.NodeString("load " + quoteString(v.Path)))
		addPropertyNodes(node, v.Properties)
	case *SectionDecl:
		node := parent.AddChild(tree.NodeString(v.Name))
		addPropertyNodes(node, v.Properties)
	}
}

func addPropertyNodes(parent *tree.Tree, props *Properties) {
	if props == nil {
		return
	}
	for _, key := range props.Keys() {
		e, _ := props.Get(key)
		addExpressionNode(parent, key, e)
	}
}

// addExpressionNode renders scalars inline and breaks arrays and objects
// into child nodes.
func addExpressionNode(parent *tree.Tree, key string, e Expression) {
	switch e.Kind {
	case ExprArray:
		items, _ := e.AsArray()
		node := parent.AddChild(tree.NodeString(key + " []"))
		for i, item := range items {
			addExpressionNode(node, fmt.Sprintf("[%d]", i), item)
		}
	case ExprObject:
		props, _ := e.AsObject()
		node := parent.AddChild(tree.NodeString(key + " {}"))
		addPropertyNodes(node, props)
	default:
		var p pp
		parent.AddChild(tree.NodeString(key + " = " + p.expr(e)))
	}
}
