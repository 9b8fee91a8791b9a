package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func fakeServer(t *testing.T) (*pstest.Server, []option.ClientOption) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	opts := []option.ClientOption{
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	}
	return srv, opts
}

func TestDialAndPublish(t *testing.T) {
	ctx := context.Background()
	srv, opts := fakeServer(t)

	admin, err := pubsub.NewClient(ctx, "proj", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = admin.Close() })
	_, err = admin.CreateTopic(ctx, "reports")
	require.NoError(t, err)

	pub, err := Dial(ctx, "proj", "reports", zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	id, err := pub.Publish(ctx, "cycle.completed", map[string]any{"state": "completed", "new": 3})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "cycle.completed", msgs[0].Attributes["topic"])
	assert.Equal(t, "application/json", msgs[0].Attributes["content_type"])
	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	assert.Equal(t, "completed", body["state"])
	assert.EqualValues(t, 3, body["new"])
}

func TestDialMissingTopic(t *testing.T) {
	_, opts := fakeServer(t)
	_, err := Dial(context.Background(), "proj", "absent", zap.NewNop(), opts...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestDialRequiresNames(t *testing.T) {
	_, err := Dial(context.Background(), "", "reports", nil)
	require.Error(t, err)
}

func TestPublishUnconfigured(t *testing.T) {
	_, err := New(nil, nil).Publish(context.Background(), "t", "x")
	require.Error(t, err)
}

func TestPublishRejectsUnmarshalablePayload(t *testing.T) {
	ctx := context.Background()
	_, opts := fakeServer(t)
	client, err := pubsub.NewClient(ctx, "proj", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	topic, err := client.CreateTopic(ctx, "reports")
	require.NoError(t, err)

	pub := New(topic, nil)
	t.Cleanup(func() { _ = pub.Close() })
	_, err = pub.Publish(ctx, "t", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}
