package main

import (
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
)

// AnswerMemory remembers answers the site rejected for a given image so the
// chain does not submit the same wrong text twice. A nil memory remembers
// nothing.
type AnswerMemory struct {
	rejected *lru.Cache[string, struct{}]
}

func NewAnswerMemory(size int) *AnswerMemory {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil
	}
	return &AnswerMemory{rejected: cache}
}

func answerKey(image []byte, text string) string {
	sum := blake3.Sum256(image)
	return hex.EncodeToString(sum[:]) + ":" + text
}

func (m *AnswerMemory) Reject(image []byte, text string) {
	if m == nil || text == "" {
		return
	}
	m.rejected.Add(answerKey(image, text), struct{}{})
}

func (m *AnswerMemory) WasRejected(image []byte, text string) bool {
	if m == nil {
		return false
	}
	return m.rejected.Contains(answerKey(image, text))
}

func (m *AnswerMemory) Len() int {
	if m == nil {
		return 0
	}
	return m.rejected.Len()
}
