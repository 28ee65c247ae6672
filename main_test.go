package main

import (
	"testing"

	"github.com/Yulian302/lfusys-services-migrator/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoles(t *testing.T) {
	roles, err := ParseRoles(nil)
	require.NoError(t, err)
	assert.Equal(t, allRoles, roles)

	roles, err = ParseRoles([]string{"chunk", "monitor", "chunk"})
	require.NoError(t, err)
	assert.Equal(t, []Role{RoleChunk, RoleMonitor}, roles)

	_, err = ParseRoles([]string{"uploader"})
	require.Error(t, err)
}

func TestRequestFlags(t *testing.T) {
	f := requestFlags{uri: "/assets/app%20v2.js"}
	req, err := f.request()
	require.NoError(t, err)
	assert.Equal(t, "assets/app v2.js", req.Key)
	assert.Equal(t, models.UnknownContentType, req.ContentType)
	assert.True(t, req.NeedsLookup())

	f = requestFlags{uri: "/", contentLength: 10}
	_, err = f.request()
	require.Error(t, err)

	f = requestFlags{uri: "/a", contentLength: -1}
	_, err = f.request()
	require.Error(t, err)
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()

	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "monitor", "dispatch", "enqueue"}, names)

	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	assert.NotNil(t, serve.Flags().Lookup("roles"))
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}
