package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"marketplace-chat/internal/storage"
	"marketplace-chat/internal/telemetry"
)

type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	args := m.Called(ctx, routingKey, event, headers)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

type UploaderMock struct {
	mock.Mock
}

func (m *UploaderMock) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	args := m.Called(ctx, key, reader, size, contentType)
	return args.String(0), args.Error(1)
}

var _ telemetry.Publisher = (*PublisherMock)(nil)
var _ storage.Uploader = (*UploaderMock)(nil)
