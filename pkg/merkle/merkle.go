// Package merkle aggregates event digests into a single anchorable root and
// produces per-digest inclusion proofs against it.
//
// Leaf and node hashes are domain-separated so a leaf can never be confused
// with an internal node. Odd levels duplicate their last node. Membership is
// deduplicated and sorted before building, so the same digest set always
// yields the same root regardless of submission order.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/trialmesh/chronicle/pkg/digest"
)

const (
	leafPrefix = "chronicle:anchor:leaf:v1"
	nodePrefix = "chronicle:anchor:node:v1"
)

// Proof step sides: which side of the concatenation the sibling sits on.
const (
	SideLeft  = "L"
	SideRight = "R"
)

var (
	// ErrEmptyTree indicates a build over zero digests.
	ErrEmptyTree = errors.New("merkle: no digests to aggregate")

	// ErrNotMember indicates a proof request for a digest outside the tree.
	ErrNotMember = errors.New("merkle: digest is not a member of this tree")
)

// ProofStep is one level of an inclusion path.
type ProofStep struct {
	Side    string `json:"side"`
	Sibling string `json:"sibling"`
}

// InclusionProof shows that one digest belongs to an anchored root.
// It is self-contained: verification needs only the proof and an
// independently obtained root.
type InclusionProof struct {
	Leaf digest.Digest `json:"leaf"`
	Root digest.Digest `json:"root"`
	Path []ProofStep   `json:"path"`
}

// Tree is a built aggregation over a fixed membership.
type Tree struct {
	members []digest.Digest
	index   map[digest.Digest]int
	levels  [][]string // level 0 = leaf hashes, last level = [root], all hex
	root    digest.Digest
}

// BuildTree aggregates the given digests. Duplicates collapse to one leaf;
// membership order does not affect the root.
func BuildTree(members []digest.Digest) (*Tree, error) {
	uniq := make([]digest.Digest, 0, len(members))
	seen := make(map[digest.Digest]struct{}, len(members))
	for _, m := range members {
		if !m.Valid() {
			return nil, fmt.Errorf("merkle: %w: %q", digest.ErrMalformed, string(m))
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		uniq = append(uniq, m)
	}
	if len(uniq) == 0 {
		return nil, ErrEmptyTree
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })

	index := make(map[digest.Digest]int, len(uniq))
	leafLevel := make([]string, len(uniq))
	for i, m := range uniq {
		index[m] = i
		leafLevel[i] = leafHash(m)
	}

	levels := [][]string{leafLevel}
	current := leafLevel
	for len(current) > 1 {
		current = nextLevel(current)
		levels = append(levels, current)
	}

	return &Tree{
		members: uniq,
		index:   index,
		levels:  levels,
		root:    digest.Digest(digest.Prefix + current[0]),
	}, nil
}

// Root returns the aggregated root digest.
func (t *Tree) Root() digest.Digest {
	return t.root
}

// Members returns the deduplicated, sorted membership.
func (t *Tree) Members() []digest.Digest {
	out := make([]digest.Digest, len(t.members))
	copy(out, t.members)
	return out
}

// Prove builds the inclusion proof for one member digest.
func (t *Tree) Prove(member digest.Digest) (InclusionProof, error) {
	idx, ok := t.index[member]
	if !ok {
		return InclusionProof{}, fmt.Errorf("%w: %s", ErrNotMember, member)
	}

	proof := InclusionProof{Leaf: member, Root: t.root}
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		sibling := idx ^ 1
		if sibling >= len(nodes) {
			sibling = idx // odd level: last node pairs with itself
		}
		side := SideRight
		if sibling < idx {
			side = SideLeft
		}
		proof.Path = append(proof.Path, ProofStep{Side: side, Sibling: nodes[sibling]})
		idx /= 2
	}
	return proof, nil
}

// VerifyInclusion recomputes the proof path and reports whether it reaches
// expectedRoot. The proof's embedded root must also match: a proof that
// disagrees with the root it claims is invalid by definition.
func VerifyInclusion(proof InclusionProof, expectedRoot digest.Digest) bool {
	if !proof.Leaf.Valid() || !expectedRoot.Valid() {
		return false
	}
	if proof.Root != expectedRoot {
		return false
	}

	current := leafHash(proof.Leaf)
	for _, step := range proof.Path {
		sibling, err := hex.DecodeString(step.Sibling)
		if err != nil {
			return false
		}
		cur, err := hex.DecodeString(current)
		if err != nil {
			return false
		}
		var buf bytes.Buffer
		buf.WriteString(nodePrefix)
		buf.WriteByte(0)
		switch step.Side {
		case SideLeft:
			buf.Write(sibling)
			buf.Write(cur)
		case SideRight:
			buf.Write(cur)
			buf.Write(sibling)
		default:
			return false
		}
		h := sha256.Sum256(buf.Bytes())
		current = hex.EncodeToString(h[:])
	}
	return digest.Digest(digest.Prefix+current) == expectedRoot
}

func leafHash(d digest.Digest) string {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(string(d))
	h := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(h[:])
}

func nextLevel(nodes []string) []string {
	count := len(nodes)
	if count%2 != 0 {
		nodes = append(nodes, nodes[count-1])
		count++
	}
	out := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		var buf bytes.Buffer
		buf.WriteString(nodePrefix)
		buf.WriteByte(0)
		buf.Write(mustHex(nodes[i]))
		buf.Write(mustHex(nodes[i+1]))
		h := sha256.Sum256(buf.Bytes())
		out[i/2] = hex.EncodeToString(h[:])
	}
	return out
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(fmt.Sprintf("merkle: internal node %q is not hex", s))
	}
	return b
}
