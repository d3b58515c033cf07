package groutine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGo_NamesContext(t *testing.T) {
	got := make(chan string, 1)
	Go(context.TODO(), "worker-42", func(ctx context.Context) {
		got <- GetName(ctx)
	})
	assert.Equal(t, "worker-42", <-got)
	assert.Empty(t, GetName(context.Background()))
}

func TestGroup_Wait(t *testing.T) {
	var g Group
	var n atomic.Int32
	for i := 0; i < 8; i++ {
		g.Go(context.Background(), "counter", func(context.Context) {
			n.Add(1)
		})
	}
	g.Wait()
	assert.Equal(t, int32(8), n.Load())
}
