package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCondition_MustNotExist(t *testing.T) {
	cond := Condition{MustNotExist: true}

	assert.True(t, cond.Matches(nil))
	assert.False(t, cond.Matches(Item{"ownerName": "o1"}))
}

func TestCondition_Expect(t *testing.T) {
	cond := Condition{Expect: Item{"recordVersionNumber": "v1", "ownerName": "o1"}}

	assert.False(t, cond.Matches(nil))
	assert.True(t, cond.Matches(Item{"recordVersionNumber": "v1", "ownerName": "o1", "extra": int64(7)}))
	assert.False(t, cond.Matches(Item{"recordVersionNumber": "v2", "ownerName": "o1"}))
	assert.False(t, cond.Matches(Item{"ownerName": "o1"}))
}

func TestItem_Clone(t *testing.T) {
	item := Item{"a": "x", "n": int64(1)}
	clone := item.Clone()
	clone["a"] = "y"

	assert.Equal(t, "x", item["a"])
	assert.Nil(t, Item(nil).Clone())
}
