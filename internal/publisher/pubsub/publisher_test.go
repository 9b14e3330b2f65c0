package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	pb "cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type notice struct {
	URL    string `json:"canonical_url"`
	Source string `json:"source"`
}

func (n notice) Attributes() map[string]string {
	return map[string]string{"source": n.Source}
}

func TestPublishSendsJSONWithAttributes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "refs", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.TopicAdminClient.CreateTopic(ctx, &pb.Topic{Name: "projects/refs/topics/outcomes"})
	require.NoError(t, err)

	p := New(client.Publisher("outcomes"))
	defer p.Close()

	id, err := p.Publish(ctx, "outcomes", notice{URL: "https://example.com/a", Source: "direct"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "direct", msgs[0].Attributes["source"])

	var got notice
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "https://example.com/a", got.URL)
}

func TestPublishWithoutPublisher(t *testing.T) {
	t.Parallel()

	_, err := (&Publisher{}).Publish(context.Background(), "t", struct{}{})
	require.Error(t, err)
}

func TestPublishRejectsUnmarshalablePayload(t *testing.T) {
	t.Parallel()

	p := &Publisher{publisher: &pubsub.Publisher{}}
	_, err := p.Publish(context.Background(), "t", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}

func TestOpenRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "refs", "")
	require.Error(t, err)
}

func TestCarrierKeys(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
