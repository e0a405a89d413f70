package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/knadh/go-pop3"
	"github.com/stretchr/testify/require"
)

func openPOP3(t *testing.T, conn *fakePOP3Conn, opts ...POP3Option) Mailbox {
	t.Helper()
	opts = append(opts, withPOP3ConnFactory(func(Account) (pop3Connection, error) { return conn, nil }))
	c := NewPOP3Connector(opts...)
	mb, err := c.Open(Account{ID: 7, Type: "pop3s", Host: "mail.example", Port: 995, Username: "agent", Password: []byte("secret")})
	require.NoError(t, err)
	return mb
}

func TestPOP3SessionListFetchAndDelete(t *testing.T) {
	conn := &fakePOP3Conn{
		uidl: []pop3.MessageID{
			{ID: 1, UID: "uid-1", Size: 123},
			{ID: 2, UID: "uid-2", Size: 456},
			{ID: 3, UID: "", Size: 7},
		},
		raw: map[int][]byte{1: []byte("first"), 2: []byte("second"), 3: []byte("third")},
	}
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	mb := openPOP3(t, conn, WithPOP3Clock(func() time.Time { return now }))
	ctx := context.Background()
	require.NoError(t, mb.Connect(ctx))

	refs, err := mb.ListUnseen(ctx, 10)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	require.Equal(t, "3", refs[2].UID, "missing UIDL falls back to sequence number")

	msg, err := mb.FetchRaw(ctx, refs[0])
	require.NoError(t, err)
	require.Equal(t, []byte("first"), msg.Raw)
	require.Equal(t, now, msg.ReceivedAt)
	require.Equal(t, "uid-1", msg.UID)
	require.Equal(t, "123", msg.Metadata["reported_size"])
	require.Empty(t, conn.deleted, "fetch alone never deletes")

	require.NoError(t, mb.MarkSeen(ctx, refs[0]))
	require.Equal(t, []int{1}, conn.deleted)

	require.NoError(t, mb.Disconnect())
	require.Equal(t, 1, conn.quitCalls)
}

func TestPOP3SessionRespectsLimit(t *testing.T) {
	conn := &fakePOP3Conn{uidl: []pop3.MessageID{{ID: 1, UID: "a"}, {ID: 2, UID: "b"}, {ID: 3, UID: "c"}}}
	mb := openPOP3(t, conn)
	require.NoError(t, mb.Connect(context.Background()))
	refs, err := mb.ListUnseen(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, refs, 2)
}

func TestPOP3SessionListsWholeMaildropForDedup(t *testing.T) {
	conn := &fakePOP3Conn{uidl: []pop3.MessageID{{ID: 1, UID: "a"}, {ID: 2, UID: "b"}, {ID: 3, UID: "c"}}}
	mb := openPOP3(t, conn, WithPOP3DeleteAfterFetch(false))
	require.NoError(t, mb.Connect(context.Background()))

	all, ok := mb.(Flagless)
	require.True(t, ok, "pop3 sessions have no seen flag")
	refs, err := all.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 3)
	require.Equal(t, "agent@mail.example:c", refs[2].RemoteID)
}

func TestPOP3SessionKeepsMessagesWhenDeletionDisabled(t *testing.T) {
	conn := &fakePOP3Conn{uidl: []pop3.MessageID{{ID: 1, UID: "a"}}, raw: map[int][]byte{1: []byte("a")}}
	mb := openPOP3(t, conn, WithPOP3DeleteAfterFetch(false))
	require.NoError(t, mb.Connect(context.Background()))
	require.NoError(t, mb.MarkSeen(context.Background(), MessageRef{UID: "a", Seq: 1}))
	require.Empty(t, conn.deleted)
}

func TestPOP3SessionReturnsAuthError(t *testing.T) {
	conn := &fakePOP3Conn{authErr: errors.New("bad creds")}
	mb := openPOP3(t, conn)
	require.ErrorContains(t, mb.Connect(context.Background()), "pop3 auth")
	require.Equal(t, 1, conn.quitCalls)
}

func TestPOP3SessionRetrError(t *testing.T) {
	conn := &fakePOP3Conn{
		uidl:    []pop3.MessageID{{ID: 1, UID: "a"}},
		retrErr: map[int]error{1: errors.New("io")},
	}
	mb := openPOP3(t, conn)
	require.NoError(t, mb.Connect(context.Background()))
	_, err := mb.FetchRaw(context.Background(), MessageRef{UID: "a", Seq: 1})
	require.ErrorContains(t, err, "pop3 retr 1")
}

func TestPOP3Validation(t *testing.T) {
	c := NewPOP3Connector()
	_, err := c.Open(Account{Type: "imap", Username: "u", Password: []byte("p")})
	require.Error(t, err)
	_, err = c.Open(Account{Type: "pop3", Username: "u"})
	require.Error(t, err)
}

type fakePOP3Conn struct {
	uidl      []pop3.MessageID
	raw       map[int][]byte
	deleted   []int
	quitCalls int

	authErr error
	uidlErr error
	retrErr map[int]error
	deleErr error
	quitErr error
}

func (f *fakePOP3Conn) Auth(_, _ string) error {
	return f.authErr
}

func (f *fakePOP3Conn) Quit() error {
	f.quitCalls++
	return f.quitErr
}

func (f *fakePOP3Conn) Uidl(_ int) ([]pop3.MessageID, error) {
	if f.uidlErr != nil {
		return nil, f.uidlErr
	}
	out := make([]pop3.MessageID, len(f.uidl))
	copy(out, f.uidl)
	return out, nil
}

func (f *fakePOP3Conn) RetrRaw(id int) (*bytes.Buffer, error) {
	if err, ok := f.retrErr[id]; ok {
		return nil, err
	}
	payload, ok := f.raw[id]
	if !ok {
		return nil, fmt.Errorf("unknown message %d", id)
	}
	return bytes.NewBuffer(payload), nil
}

func (f *fakePOP3Conn) Dele(ids ...int) error {
	if f.deleErr != nil {
		return f.deleErr
	}
	f.deleted = append(f.deleted, ids...)
	return nil
}
