package protocol

import (
	"errors"
	"testing"

	"github.com/gezibash/arc-sync/pkg/codec"
	"github.com/gezibash/arc-sync/pkg/covalue"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
)

func TestEncodeDecode(t *testing.T) {
	n, _ := newNode(t, testClock())
	g, err := n.CreateGroup(nil)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	pieces := g.Core().NewContentSince(nil)
	id := g.ID()

	tests := []struct {
		name string
		msg  Message
	}{
		{"load", &LoadMessage{KnownState: covalue.EmptyKnownState(id)}},
		{"known", &KnownStateMessage{KnownState: g.Core().KnownState(), IsCorrection: true, AsDependencyOf: id}},
		{"content", ContentMessage(pieces[0])},
		{"done", &DoneMessage{ID: id}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Action() != tt.msg.Action() || got.CoID() != id {
				t.Fatalf("decoded %s/%s, want %s/%s", got.Action(), got.CoID(), tt.msg.Action(), id)
			}
		})
	}
}

func TestDecodedContentStillVerifies(t *testing.T) {
	n, acct := newNode(t, testClock())
	g, _ := n.CreateGroup(nil)

	fresh, _ := newNode(t, testClock())
	for _, id := range []covalue.CoID{acct.AccountID(), g.ID()} {
		src, _ := n.Get(id)
		for _, piece := range src.NewContentSince(nil) {
			data, err := Encode(ContentMessage(piece))
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			msg, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			content := msg.(*NewContentMessage)
			dst, err := fresh.AddCoValue(content.ID, content.Header)
			if err != nil {
				t.Fatalf("AddCoValue: %v", err)
			}
			for sid, sc := range content.New {
				if _, err := dst.TryAddTransactions(sid, sc.NewTransactions, sc.After, sc.LastSignature); err != nil {
					t.Fatalf("TryAddTransactions after round trip: %v", err)
				}
			}
		}
		dst, _ := fresh.Get(id)
		if !dst.KnownState().Covers(src.KnownState()) {
			t.Errorf("%s not fully replayed", id)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid := covalue.CoID("co_z" + "00112233445566778899aabbccddeeff00112233")
	tests := []struct {
		name string
		data func() []byte
	}{
		{"garbage", func() []byte { return []byte{0xff, 0x00, 0x13} }},
		{"unknown action", func() []byte {
			return codec.MustMarshal(&Envelope{Action: "gossip", Done: &DoneMessage{ID: valid}})
		}},
		{"missing body", func() []byte {
			return codec.MustMarshal(&Envelope{Action: ActionContent})
		}},
		{"body for other action", func() []byte {
			return codec.MustMarshal(&Envelope{Action: ActionLoad, Done: &DoneMessage{ID: valid}})
		}},
		{"malformed id", func() []byte {
			return codec.MustMarshal(&Envelope{Action: ActionDone, Done: &DoneMessage{ID: "co_zshort"}})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data()); !errors.Is(err, arcerrors.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}
