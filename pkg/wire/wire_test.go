package wire

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestSendRecvAsRoundTrip(t *testing.T) {
	want := RegionInfo{
		BaseAddress:       0x7ff600000000,
		Protect:           0x20,
		AllocationSize:    0x3000,
		SubregionInfoSize: 2,
	}

	var buf bytes.Buffer
	require.NoError(t, SendAs(&buf, &want))
	require.Equal(t, int(unsafe.Sizeof(want)), buf.Len())

	got, err := RecvAs[RegionInfo](&buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestRecvAsShortStreamFails(t *testing.T) {
	buf := bytes.NewBuffer([]byte{1, 2, 3})
	_, err := RecvAs[RegionInfo](buf)
	require.Error(t, err)
}

func TestSendRecvUint32RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SendUint32(&buf, 0xdeadbeef))

	got, err := RecvUint32(&buf)
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), got)
}

func TestSendRecvBytesPreservesLength(t *testing.T) {
	payload := []byte("subregion contents travel unframed")

	var buf bytes.Buffer
	require.NoError(t, SendBytes(&buf, payload))

	got, err := RecvBytes(&buf, uint64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}
