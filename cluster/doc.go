// Package cluster resolves the identity of the local cluster member.
//
// The lifecycle Service needs it to address cancellations, and the task
// registry needs it to reject cancellations meant for another node:
//
//	members := cluster.NewLocal()
//	members.Join(cluster.NodeInfo{ID: "node-1", Name: "worker-a"})
//
//	svc := persistent.NewService(client, members)
//	reg := tasks.NewRegistry(members)
//
// Until Join succeeds, and again after Leave, LocalNode fails with
// NODE_UNAVAILABLE.
package cluster
