package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botzrDev/mcp-guard-sub000/internal/message"
)

type fakeTransport struct {
	name       string
	lastSend   string
	lastRecv   string
	healthy    bool
}

func (f *fakeTransport) Send(_ context.Context, path string, _ *message.Message) error {
	f.lastSend = path
	return nil
}
func (f *fakeTransport) Receive(_ context.Context, path string, _ message.ID) (*message.Message, error) {
	f.lastRecv = path
	return message.NewNotification("ping", nil), nil
}
func (f *fakeTransport) Close() error     { return nil }
func (f *fakeTransport) IsHealthy() bool { return f.healthy }

func TestRouteConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  RouteConfig
		ok   bool
	}{
		{"missing name", RouteConfig{PathPrefix: "/a", Kind: TransportHTTP, URL: "http://x"}, false},
		{"bad prefix", RouteConfig{Name: "a", PathPrefix: "a", Kind: TransportHTTP, URL: "http://x"}, false},
		{"stdio no command", RouteConfig{Name: "a", PathPrefix: "/a", Kind: TransportStdio}, false},
		{"http no url", RouteConfig{Name: "a", PathPrefix: "/a", Kind: TransportHTTP}, false},
		{"valid stdio", RouteConfig{Name: "a", PathPrefix: "/a", Kind: TransportStdio, Command: "mcp-server"}, true},
		{"valid http", RouteConfig{Name: "a", PathPrefix: "/a", Kind: TransportHTTP, URL: "http://x"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestMatchPathLongestPrefixWins(t *testing.T) {
	s1 := &fakeTransport{name: "s1", healthy: true}
	s2 := &fakeTransport{name: "s2", healthy: true}
	r := New([]Route{
		{Config: RouteConfig{Name: "s1", PathPrefix: "/api", StripPrefix: false}, Transport: s1},
		{Config: RouteConfig{Name: "s2", PathPrefix: "/api/v2", StripPrefix: true}, Transport: s2},
	}, nil)

	route, err := r.MatchPath("/api/v2/tools")
	require.NoError(t, err)
	assert.Equal(t, "s2", route.Config.Name)

	route, err = r.MatchPath("/api/v1/tools")
	require.NoError(t, err)
	assert.Equal(t, "s1", route.Config.Name)
}

func TestSendStripsPrefixWhenConfigured(t *testing.T) {
	s2 := &fakeTransport{name: "s2", healthy: true}
	r := New([]Route{
		{Config: RouteConfig{Name: "s2", PathPrefix: "/api/v2", StripPrefix: true}, Transport: s2},
	}, nil)

	err := r.Send(context.Background(), "/api/v2/tools", message.NewNotification("x", nil))
	require.NoError(t, err)
	assert.Equal(t, "/tools", s2.lastSend)
}

func TestSendKeepsPrefixWhenNotConfigured(t *testing.T) {
	s1 := &fakeTransport{name: "s1", healthy: true}
	r := New([]Route{
		{Config: RouteConfig{Name: "s1", PathPrefix: "/api", StripPrefix: false}, Transport: s1},
	}, nil)

	err := r.Send(context.Background(), "/api/v1/tools", message.NewNotification("x", nil))
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/tools", s1.lastSend)
}

func TestNoRouteFallsBackToDefault(t *testing.T) {
	def := &fakeTransport{name: "default", healthy: true}
	r := New(nil, &Route{Config: RouteConfig{Name: "default", PathPrefix: "/"}, Transport: def})

	route, err := r.MatchPath("/anything")
	require.NoError(t, err)
	assert.Equal(t, "default", route.Config.Name)
}

func TestNoRouteWithoutDefaultErrors(t *testing.T) {
	r := New(nil, nil)
	_, err := r.MatchPath("/anything")
	require.Error(t, err)
	var nre *NoRouteError
	require.ErrorAs(t, err, &nre)
	assert.Equal(t, "/anything", nre.Path)
}

func TestMatchPathTieBreaksByInsertionOrder(t *testing.T) {
	first := &fakeTransport{name: "first", healthy: true}
	second := &fakeTransport{name: "second", healthy: true}
	r := New([]Route{
		{Config: RouteConfig{Name: "first", PathPrefix: "/api"}, Transport: first},
		{Config: RouteConfig{Name: "second", PathPrefix: "/api"}, Transport: second},
	}, nil)

	route, err := r.MatchPath("/api/x")
	require.NoError(t, err)
	assert.Equal(t, "first", route.Config.Name)
}
