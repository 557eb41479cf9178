package similarity

import (
	"crypto/sha1"
	"encoding/binary"
	"math"
	"strings"

	"golang.org/x/net/html"
)

const (
	// VectorDimensions determines the size of the feature vector for each page.
	VectorDimensions = 64
	// DepthWeight is a multiplier to give more significance to nodes deeper in the DOM.
	DepthWeight = 10
)

// DOMVector represents the feature vector of a parsed HTML page.
type DOMVector [VectorDimensions]int

// NewDOMVector builds the feature vector of the tree rooted at root.
// It hashes each text node and element name and adds the node's depth,
// weighted, to the dimension the hash selects.
func NewDOMVector(root *html.Node) DOMVector {
	var vector DOMVector

	var traverse func(*html.Node, int)
	traverse = func(n *html.Node, depth int) {
		switch n.Type {
		case html.TextNode:
			if text := strings.TrimSpace(n.Data); text != "" {
				vector[dimension(text)] += depth * DepthWeight
			}
		case html.ElementNode:
			vector[dimension("<"+n.Data+">")] += depth
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c, depth+1)
		}
	}

	traverse(root, 1)
	return vector
}

// textVector is the DOMVector of a non-HTML body: every line is a text node
// at depth one.
func textVector(text string) DOMVector {
	var vector DOMVector
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			vector[dimension(line)] += DepthWeight
		}
	}
	return vector
}

func dimension(s string) int {
	sum := sha1.Sum([]byte(s))
	return int(binary.BigEndian.Uint64(sum[:8]) % VectorDimensions)
}

// CosineSimilarity calculates the similarity between two DOM vectors.
// It returns a value between 0 (not similar) and 1 (identical).
func CosineSimilarity(v1, v2 DOMVector) float64 {
	var dotProduct, magV1, magV2 float64
	for i := 0; i < VectorDimensions; i++ {
		dotProduct += float64(v1[i] * v2[i])
		magV1 += float64(v1[i] * v1[i])
		magV2 += float64(v2[i] * v2[i])
	}

	if magV1 == 0 && magV2 == 0 {
		return 1
	}
	if magV1 == 0 || magV2 == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(magV1) * math.Sqrt(magV2))
}
