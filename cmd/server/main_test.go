package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type orderedServer struct {
	order *[]string
	err   error
}

func (s orderedServer) Shutdown(ctx context.Context) error {
	*s.order = append(*s.order, "server")
	return s.err
}

func TestShutdown_ServerStopsBeforeDependencies(t *testing.T) {
	var order []string
	closer := func(name string) func() {
		return func() { order = append(order, name) }
	}

	err := shutdown(context.Background(), orderedServer{order: &order},
		closer("analyzer"), closer("hub"), closer("redis"))

	assert.NoError(t, err)
	assert.Equal(t, []string{"server", "analyzer", "hub", "redis"}, order)
}

func TestShutdown_ClosesDependenciesOnServerError(t *testing.T) {
	var order []string
	timeout := errors.New("context deadline exceeded")

	err := shutdown(context.Background(), orderedServer{order: &order, err: timeout},
		func() { order = append(order, "redis") })

	assert.ErrorIs(t, err, timeout)
	assert.Equal(t, []string{"server", "redis"}, order)
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("PAIR_WINDOW", "150ms")
	d, err := getEnvDuration("PAIR_WINDOW", time.Second)
	assert.NoError(t, err)
	assert.Equal(t, 150*time.Millisecond, d)

	t.Setenv("PAIR_WINDOW", "PT30S")
	d, err = getEnvDuration("PAIR_WINDOW", time.Second)
	assert.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	t.Setenv("PAIR_WINDOW", "soon")
	_, err = getEnvDuration("PAIR_WINDOW", time.Second)
	assert.Error(t, err)
}
