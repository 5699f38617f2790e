package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForkGraph_WouldCreateCycle(t *testing.T) {
	fg := BuildForkGraph([]ForkEdge{
		{Origin: "base.git", Fork: "~alice/base.git"},
		{Origin: "~alice/base.git", Fork: "~bob/clone.git"},
	})

	assert.True(t, fg.WouldCreateCycle("~bob/clone.git", "base.git"))
	assert.True(t, fg.WouldCreateCycle("BASE.git", "base.git"))
	assert.False(t, fg.WouldCreateCycle("base.git", "~carol/base.git"))
	assert.False(t, fg.WouldCreateCycle("~alice/base.git", "other.git"))
	assert.Empty(t, fg.Cycles())
	assert.Equal(t, []string{"base.git"}, fg.Roots())
}

func TestForkGraph_Cycles(t *testing.T) {
	fg := BuildForkGraph([]ForkEdge{
		{Origin: "a.git", Fork: "b.git"},
		{Origin: "b.git", Fork: "A.git"},
	})
	cycles := fg.Cycles()
	require.Len(t, cycles, 1)
	assert.ElementsMatch(t, []string{"a.git", "b.git"}, cycles[0])
	assert.Empty(t, fg.Roots())
}

func TestBuildTree(t *testing.T) {
	children := map[string][]string{
		"base.git":        {"~alice/base.git", "~gone/base.git"},
		"~alice/base.git": {"~bob/clone.git", "base.git"},
	}
	missing := map[string]bool{"~gone/base.git": true}

	tree := BuildTree("base.git",
		func(name string) []string { return children[name] },
		func(name string) bool { return !missing[name] })

	assert.Equal(t, 4, tree.Size())
	require.Len(t, tree.Forks, 2)
	assert.Equal(t, "~alice/base.git", tree.Forks[0].Name)
	assert.True(t, tree.Forks[1].Missing)

	bob := tree.Find("~BOB/clone.git")
	require.NotNil(t, bob)
	assert.Empty(t, bob.Forks)
	assert.Same(t, bob, tree.Forks[0].Forks[0])
}
