package ipc

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransportSendProducesOneLineNoPrettyPrint(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTransport(strings.NewReader(""), &buf)

	payload, err := EncodeWorkerMessage(Ready{})
	require.NoError(t, err)
	require.NoError(t, tr.Send(NewEnvelope(payload, nil)))

	out := buf.String()
	require.True(t, strings.HasSuffix(out, "\n"))
	require.Equal(t, 1, strings.Count(out, "\n"))
	require.False(t, strings.Contains(strings.TrimSuffix(out, "\n"), "\n"))
}

func TestTransportRecvDiscardsMalformedLinesWithoutFailing(t *testing.T) {
	payload, err := EncodeWorkerMessage(Heartbeat{})
	require.NoError(t, err)
	goodLine, err := jsonEnvelopeLine(NewEnvelope(payload, nil))
	require.NoError(t, err)

	input := "not json at all\n" + goodLine
	var discarded int
	tr := NewTransport(strings.NewReader(input), io.Discard)
	tr.OnDiscardedLine = func(line []byte, err error) { discarded++ }

	env, err := tr.Recv()
	require.NoError(t, err)
	require.Equal(t, 1, discarded)

	msg, err := DecodeWorkerMessage(env.Payload)
	require.NoError(t, err)
	require.Equal(t, Heartbeat{}, msg)
}

func TestTransportRecvOversizedLineIsFatal(t *testing.T) {
	huge := strings.Repeat("a", MaxLineBytes+10)
	tr := NewTransport(strings.NewReader(huge+"\n"), io.Discard)

	_, err := tr.Recv()
	require.ErrorIs(t, err, ErrLineTooLarge)
}

func TestTransportRecvEOF(t *testing.T) {
	tr := NewTransport(strings.NewReader(""), io.Discard)
	_, err := tr.Recv()
	require.ErrorIs(t, err, io.EOF)
}

func jsonEnvelopeLine(env Envelope) (string, error) {
	var buf bytes.Buffer
	tr := NewTransport(strings.NewReader(""), &buf)
	if err := tr.Send(env); err != nil {
		return "", err
	}
	return buf.String(), nil
}
