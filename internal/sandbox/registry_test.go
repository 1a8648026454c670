package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct{ name ProviderName }

func (s stubProvider) Name() ProviderName { return s.name }
func (s stubProvider) Create(context.Context, CreateRequest) (*Instance, error) {
	return &Instance{ID: "x"}, nil
}
func (s stubProvider) Pause(context.Context, string) error { return nil }
func (s stubProvider) Resume(context.Context, string) (*Endpoints, error) {
	return &Endpoints{}, nil
}
func (s stubProvider) Kill(context.Context, string) error { return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubProvider{ProviderE2B}, nil, stubProvider{ProviderDaytona})

	p, err := r.Get(ProviderDaytona)
	require.NoError(t, err)
	assert.Equal(t, ProviderDaytona, p.Name())

	p, err = r.Get("")
	require.NoError(t, err)
	assert.Equal(t, ProviderE2B, p.Name(), "first provider is the default")

	_, err = r.Get(ProviderFly)
	assert.True(t, errors.Is(err, ErrUnknownProvider))

	require.NoError(t, r.SetDefault(ProviderDaytona))
	p, err = r.Default()
	require.NoError(t, err)
	assert.Equal(t, ProviderDaytona, p.Name())

	assert.Error(t, r.SetDefault(ProviderFly))
	assert.Equal(t, []ProviderName{ProviderDaytona, ProviderE2B}, r.Names())
}
