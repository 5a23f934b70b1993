package federation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmesh/devmesh/internal/common/logger"
)

type fakeFetcher struct {
	mu   sync.Mutex
	sdls map[string]string
	errs map[string]error
}

func (f *fakeFetcher) FetchSDL(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[url]; ok {
		return "", err
	}
	sdl, ok := f.sdls[url]
	if !ok {
		return "", errors.New("unknown subgraph")
	}
	return sdl, nil
}

func (f *fakeFetcher) fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string]error)
	}
	f.errs[url] = err
}

func TestComposerRetainsLastGoodSupergraph(t *testing.T) {
	fetcher := &fakeFetcher{sdls: map[string]string{
		"http://git":     gitSDL,
		"http://quality": qualitySDL,
	}}
	composer := NewComposer([]Endpoint{
		{Name: "git", URL: "http://git"},
		{Name: "quality", URL: "http://quality"},
	}, fetcher, 0, logger.Default())

	assert.Nil(t, composer.Current())

	require.NoError(t, composer.Compose(context.Background()))
	first := composer.Current()
	require.NotNil(t, first)
	assert.NoError(t, composer.CompositionError())
	assert.Equal(t, map[string]bool{"git": true, "quality": true}, composer.Statuses())

	// A subgraph going dark fails the pass but keeps the last supergraph.
	fetcher.fail("http://quality", errors.New("connection refused"))
	err := composer.Compose(context.Background())
	require.Error(t, err)
	assert.Same(t, first, composer.Current())
	assert.Error(t, composer.CompositionError())
	assert.Equal(t, map[string]bool{"git": true, "quality": false}, composer.Statuses())
}

func TestComposerCompositionErrorClears(t *testing.T) {
	fetcher := &fakeFetcher{sdls: map[string]string{"http://git": gitSDL}}
	composer := NewComposer([]Endpoint{{Name: "git", URL: "http://git"}}, fetcher, 0, logger.Default())

	fetcher.fail("http://git", errors.New("boot race"))
	require.Error(t, composer.Compose(context.Background()))
	assert.Nil(t, composer.Current())

	fetcher.mu.Lock()
	delete(fetcher.errs, "http://git")
	fetcher.mu.Unlock()

	require.NoError(t, composer.Compose(context.Background()))
	assert.NotNil(t, composer.Current())
	assert.NoError(t, composer.CompositionError())
}
