package service_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nettyrpc/transport/pkg/service"
)

func TestNewIsStableAcrossKeyOrder(t *testing.T) {
	a := service.New(`{"protocol":"Foo","messages":{}}`)
	b := service.New(`{"messages":{},"protocol":"Foo"}`)
	require.Equal(t, a.Hash(), b.Hash())
}

func TestNewDiffersOnContent(t *testing.T) {
	a := service.New(`{"protocol":"Foo"}`)
	b := service.New(`{"protocol":"Bar"}`)
	require.NotEqual(t, a.Hash(), b.Hash())
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := service.Parse(`not json`)
	require.Error(t, err)
}

func TestDiscoveryIsStable(t *testing.T) {
	require.Equal(t, service.Discovery.Hash(), service.New(`{"protocol":"avro.netty.DiscoveryService"}`).Hash())
}
