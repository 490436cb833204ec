// provision creates, reuses and tears down the AWS resources of a MusicApp
// deployment.
//
// # Overview
//
// Every resource is acquired idempotently: it is described first, created
// only when AWS reports it missing, and described again if creation loses a
// race with another writer. Running a command twice converges on the same
// infrastructure rather than duplicating it.
//
// Lifecycle: Deploy -> SetupNLB -> CleanNLB -> Clean
//
// # Phase: Deploy
//
// Resources are acquired in order:
//  1. Key Pair - ED25519 key generated locally, public key imported to AWS,
//     private key written to <name>.pem with mode 0400
//  2. Security Groups - an RDS group (database port from the EC2 group and
//     from the caller's public IP) and an EC2 group (SSH and the application
//     port from anywhere), both in the default VPC
//  3. RDS Instance - PostgreSQL, waited on until available
//  4. Database - dropped, recreated and loaded with schema and seed data
//  5. Notifications - SNS topic, SQS queue, queue policy and subscription
//  6. Instance Profile - IAM role allowed to publish to the topic
//  7. Server Instance - one instance tagged Name=MusicAppServer
//  8. Client Instances - topped up to the configured count
//
// The resulting endpoints are merged into deploy_config.json.
//
// When Options.Rollback is set, a failed Deploy destroys what it created in
// reverse order. Resources found already existing are never rolled back.
//
// # Phase: SetupNLB
//
// A TCP target group, an internet-facing network load balancer spanning all
// default subnets and a listener are acquired, and the server is registered
// as a target. The load balancer DNS name is recorded so clients dial it
// instead of the server.
//
// # Phase: Clean
//
// Teardown is best-effort and runs every step regardless of earlier
// failures:
//  1. Instances tagged Application=MusicApp terminated (and waited on)
//  2. RDS instance deleted without a final snapshot
//  3. Instance profile and role deleted
//  4. SQS queue and SNS topic deleted
//  5. Security group rules revoked, then the RDS and EC2 groups deleted
//  6. Key pair deleted (AWS key and local file)
//  7. deploy_config.json removed
//
// A security group still referenced by a network interface yields
// ErrSecurityGroupDependent; retry after a few minutes or delete it manually.
package provision
