package pubsub_test

import (
	"context"
	"encoding/json"
	"testing"

	gpubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/ev-price-tracker/internal/publisher/pubsub"
	"github.com/JakeFAU/ev-price-tracker/internal/tracker"
)

const (
	project = "ev-tracker-test"
	topicID = "projects/ev-tracker-test/topics/scrape-completed"
)

func newFake(t *testing.T) (*pstest.Server, *pubsub.Publisher) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := gpubsub.NewClient(ctx, project, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicID})
	require.NoError(t, err)

	pub := pubsub.New(client)
	t.Cleanup(func() { _ = pub.Close() })
	return srv, pub
}

func TestPublish_JobSnapshot(t *testing.T) {
	t.Parallel()
	srv, pub := newFake(t)

	modelID := int64(7)
	job := tracker.ScrapeJob{
		ID:            "job-1",
		Status:        tracker.JobStatusCompleted,
		TargetModelID: &modelID,
		Progress:      1,
		Total:         1,
		Failures:      []tracker.SourceFailure{},
	}
	id, err := pub.Publish(context.Background(), topicID, job)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "job-1", msgs[0].Attributes["job_id"])
	assert.Equal(t, "completed", msgs[0].Attributes["status"])
	assert.Equal(t, "7", msgs[0].Attributes["model_id"])

	var decoded tracker.ScrapeJob
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	assert.Equal(t, "job-1", decoded.ID)
	assert.Equal(t, 1, decoded.Progress)
}

func TestPublish_Validation(t *testing.T) {
	t.Parallel()
	_, pub := newFake(t)

	_, err := pub.Publish(context.Background(), "", "x")
	require.Error(t, err)

	_, err = pub.Publish(context.Background(), topicID, func() {})
	require.ErrorContains(t, err, "marshal payload")

	_, err = pubsub.New(nil).Publish(context.Background(), topicID, "x")
	require.Error(t, err)
}
