package storage

// Redis key naming. All keys are prefixed with "taskgraph:".

const redisKeyPrefix = "taskgraph:"

// workflowKey returns the Hash key of a workflow: taskgraph:workflow:{id}
func workflowKey(id string) string { return redisKeyPrefix + "workflow:" + id }

// taskKey returns the Hash key of a task: taskgraph:task:{id}
func taskKey(id string) string { return redisKeyPrefix + "task:" + id }

// workflowTasksKey returns the Sorted Set holding a workflow's task ids, scored by insertion order.
func workflowTasksKey(workflowID string) string { return redisKeyPrefix + "workflow_tasks:" + workflowID }

// activeWorkflowsKey is the Sorted Set of unfinished workflows scored by last activity (unix ms).
const activeWorkflowsKey = redisKeyPrefix + "active_workflows"
