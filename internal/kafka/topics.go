package kafka

import "github.com/zianncupcake/myfoods-backend/internal/domain"

const (
	// PendingTopic receives every newly submitted and every retried work item.
	PendingTopic = "scrape.pending"
	// DLQTopic receives items that can never be routed to a worker.
	DLQTopic = "scrape.dlq"

	workerTopicPrefix = "scrape.worker."
)

// WorkerTopic is the topic a platform's workers consume.
func WorkerTopic(p domain.Platform) string {
	return workerTopicPrefix + string(p)
}

// WorkerTopics maps platforms to their worker topics.
func WorkerTopics(platforms []domain.Platform) []string {
	topics := make([]string, 0, len(platforms))
	for _, p := range platforms {
		topics = append(topics, WorkerTopic(p))
	}
	return topics
}
