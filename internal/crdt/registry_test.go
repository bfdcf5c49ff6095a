package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryNameAndIsRegistered(t *testing.T) {
	name, err := Name(ModelFilePath)
	require.NoError(t, err)
	require.Equal(t, "file_path", name)
	require.True(t, IsRegistered(ModelFilePath))

	_, err = Name(ModelID(9999))
	require.Error(t, err)
	require.False(t, IsRegistered(ModelID(9999)))
}
