package transfer

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
)

var ErrIndexRange = errors.New("transfer: piece index out of range")

// Leaves and inner nodes hash under different prefixes so a piece can never
// pass for an inner node.
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

func leafHash(data []byte) []byte {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(data)
	return h.Sum(nil)
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// width is the leaf count of the padded tree over n pieces.
func width(n int) int {
	w := 1
	for w < n {
		w *= 2
	}
	return w
}

// tree is a Merkle tree over piece hashes, padded to a power of two and
// stored as an array: the root at 0, leaves at [w-1, 2w-2].
type tree struct {
	w     int
	nodes [][]byte
}

func buildTree(hashes [][]byte) *tree {
	w := width(len(hashes))
	nodes := make([][]byte, 2*w-1)
	pad := leafHash(nil)
	for i := 0; i < w; i++ {
		if i < len(hashes) {
			nodes[w-1+i] = hashes[i]
		} else {
			nodes[w-1+i] = pad
		}
	}
	for i := w - 2; i >= 0; i-- {
		nodes[i] = nodeHash(nodes[2*i+1], nodes[2*i+2])
	}
	return &tree{w: w, nodes: nodes}
}

func (t *tree) root() []byte { return t.nodes[0] }

// proof returns the sibling hashes from leaf i up to the root.
func (t *tree) proof(i int) ([][]byte, error) {
	if i < 0 || i >= t.w {
		return nil, ErrIndexRange
	}
	var out [][]byte
	for idx := t.w - 1 + i; idx > 0; idx = (idx - 1) / 2 {
		if idx%2 == 1 {
			out = append(out, t.nodes[idx+1])
		} else {
			out = append(out, t.nodes[idx-1])
		}
	}
	return out, nil
}

// verifyProof checks that hash sits at index i of a tree over n pieces with
// the given root.
func verifyProof(i, n int, hash []byte, proof [][]byte, root []byte) bool {
	if i < 0 || i >= n {
		return false
	}
	w, depth := width(n), 0
	for d := w; d > 1; d /= 2 {
		depth++
	}
	if len(proof) != depth {
		return false
	}
	cur := hash
	for _, sib := range proof {
		if len(sib) != sha256.Size {
			return false
		}
		if i%2 == 0 {
			cur = nodeHash(cur, sib)
		} else {
			cur = nodeHash(sib, cur)
		}
		i /= 2
	}
	return subtle.ConstantTimeCompare(cur, root) == 1
}
