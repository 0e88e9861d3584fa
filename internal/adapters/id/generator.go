package id

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	PrefixLineage      = "lin"
	PrefixOptimization = "opt"
)

type Generator struct {
	length int
}

func New() *Generator {
	return &Generator{length: 21}
}

func (g *Generator) generate(prefix string) string {
	id, err := gonanoid.New(g.length)
	if err != nil {
		return prefix + "_fallback"
	}
	return prefix + "_" + id
}

func (g *Generator) GenerateLineageID() string {
	return g.generate(PrefixLineage)
}

func (g *Generator) GenerateOptimizationID() string {
	return g.generate(PrefixOptimization)
}
