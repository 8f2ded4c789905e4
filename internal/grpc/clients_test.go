package grpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"marketplace-chat/internal/apperr"
	"marketplace-chat/internal/models"
)

type fakeConn struct {
	mu      sync.Mutex
	calls   []string
	replies map[string]map[string]any
	errs    map[string]error
}

func (f *fakeConn) Invoke(_ context.Context, method string, args any, reply any, _ ...grpc.CallOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	if err := f.errs[method]; err != nil {
		return err
	}
	out, err := structpb.NewStruct(f.replies[method])
	if err != nil {
		return err
	}
	reply.(*structpb.Struct).Fields = out.Fields
	return nil
}

func (f *fakeConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("not supported")
}

func TestAuthClientAuthenticate(t *testing.T) {
	conn := &fakeConn{replies: map[string]map[string]any{
		methodValidateToken: {"valid": true, "user_id": 12, "name": "Bo"},
	}}
	user, err := NewAuthClient(conn).Authenticate(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, 12, user.ID)
	assert.Equal(t, "Bo", user.DisplayName)
	assert.True(t, user.Active)
}

func TestAuthClientRejects(t *testing.T) {
	cases := map[string]*fakeConn{
		"invalid":  {replies: map[string]map[string]any{methodValidateToken: {"valid": false}}},
		"inactive": {replies: map[string]map[string]any{methodValidateToken: {"valid": true, "user_id": 3, "active": false}}},
		"unauthenticated": {errs: map[string]error{
			methodValidateToken: status.Error(codes.Unauthenticated, "bad token"),
		}},
	}
	for name, conn := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewAuthClient(conn).Authenticate(context.Background(), "tok")
			assert.ErrorIs(t, err, apperr.ErrAuthenticationFailed)
		})
	}

	conn := &fakeConn{errs: map[string]error{methodValidateToken: status.Error(codes.Unavailable, "down")}}
	_, err := NewAuthClient(conn).Authenticate(context.Background(), "tok")
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperr.ErrAuthenticationFailed)
}

func TestAuthClientGetUser(t *testing.T) {
	conn := &fakeConn{
		replies: map[string]map[string]any{methodGetUser: {"user_id": 5, "name": "Cy"}},
	}
	user, err := NewAuthClient(conn).GetUser(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "Cy", user.DisplayName)

	conn = &fakeConn{errs: map[string]error{methodGetUser: status.Error(codes.NotFound, "nope")}}
	_, err = NewAuthClient(conn).GetUser(context.Background(), 5)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCatalogClientGetItem(t *testing.T) {
	conn := &fakeConn{replies: map[string]map[string]any{
		methodGetItem: {"id": 9, "seller_id": 2, "title": "Desk lamp", "price": 15.5},
	}}
	item, err := NewCatalogClient(conn, BreakerSettings{}, nil).GetItem(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, 2, item.SellerID)
	assert.Equal(t, "Desk lamp", item.Title)
	assert.Equal(t, 15.5, item.Price)
}

func TestCatalogClientBreaker(t *testing.T) {
	conn := &fakeConn{errs: map[string]error{methodGetItem: status.Error(codes.Unavailable, "down")}}
	client := NewCatalogClient(conn, BreakerSettings{MaxFailures: 2, Timeout: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		_, err := client.GetItem(context.Background(), 1)
		require.Error(t, err)
	}
	_, err := client.GetItem(context.Background(), 1)
	assert.ErrorIs(t, err, apperr.ErrStorageUnavailable)
	assert.Equal(t, "open", client.State())
	assert.Len(t, conn.calls, 2)
}

func TestCatalogClientNotFoundKeepsBreakerClosed(t *testing.T) {
	conn := &fakeConn{errs: map[string]error{methodGetItem: status.Error(codes.NotFound, "gone")}}
	client := NewCatalogClient(conn, BreakerSettings{MaxFailures: 1}, nil)

	for i := 0; i < 3; i++ {
		_, err := client.GetItem(context.Background(), 1)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	}
	assert.Equal(t, "closed", client.State())
}

func TestStaticCatalog(t *testing.T) {
	c := NewStaticCatalog()
	_, err := c.GetItem(context.Background(), 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	c.Put(models.Item{ID: 1, SellerID: 4})
	item, err := c.GetItem(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 4, item.SellerID)
}
