// Package chunk implements the lazily produced response chain that carries a
// streamed model reply from the upstream token source to whoever renders it.
//
// A chain is a sequence of Nodes. Every Text node holds the fragment that
// arrived and a Future for the node after it, so a producer can hand the head
// to a consumer before the rest of the reply exists. A chain ends in exactly
// one Done or Error node.
package chunk

import (
	"fmt"

	"github.com/papercomputeco/localllama/pkg/deferred"
)

// Kind tags the active variant of a Node.
type Kind int

const (
	// KindInvalid is the zero Kind. A Node carrying it is a protocol violation.
	KindInvalid Kind = iota
	KindText
	KindDone
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	default:
		return "invalid"
	}
}

// Pending is a not-yet-produced successor node.
type Pending = deferred.Future[Node]

// Node is one unit of a chained response.
type Node struct {
	Kind Kind

	// Content is the incremental fragment of a Text node.
	Content string

	// Next resolves to the following node. A nil Next on a Text node means
	// nothing more will be produced on this chain, which is not the same as Done.
	Next Pending

	// Err is the failure carried by an Error node.
	Err error
}

// Text returns a Text node.
func Text(content string, next Pending) Node {
	return Node{Kind: KindText, Content: content, Next: next}
}

// Done returns the terminal success node.
func Done() Node {
	return Node{Kind: KindDone}
}

// Failed returns a terminal Error node carrying err.
func Failed(err error) Node {
	return Node{Kind: KindError, Err: err}
}

// Terminal reports whether n ends a chain.
func (n Node) Terminal() bool {
	return n.Kind == KindDone || n.Kind == KindError
}

func (n Node) String() string {
	switch n.Kind {
	case KindText:
		return fmt.Sprintf("text(%q)", n.Content)
	case KindError:
		return fmt.Sprintf("error(%v)", n.Err)
	default:
		return n.Kind.String()
	}
}
