// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mofreitas/woodwork/core/bucket"
	"github.com/mofreitas/woodwork/core/cascade"
	"github.com/mofreitas/woodwork/core/client"
	"github.com/mofreitas/woodwork/core/csql"
	"github.com/mofreitas/woodwork/core/jobs"
	"github.com/mofreitas/woodwork/core/orion"
	"github.com/mofreitas/woodwork/core/proxy"
	"github.com/mofreitas/woodwork/core/schema"
	"github.com/mofreitas/woodwork/services/woodwork/schemas"
)

// IntegrationTestSuite wires the full service: a Postgres testcontainer,
// the in-memory broker stub and all backends on one router. Tests talk
// to the router through the in-process client.
type IntegrationTestSuite struct {
	suite.Suite

	postgresContainer testcontainers.Container
	dbConn            *csql.DB
	router            *mux.Router
	queue             *jobs.Queue
	bucketBackend     *bucket.Backend
	storageDir        string
	broker            *brokerStub
	brokerServer      *httptest.Server
	client            client.Client
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	s.dbConn = csql.OpenWithSchema(fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresDB), postgresPassword, "integration_test")

	s.broker = newBrokerStub()
	s.brokerServer = httptest.NewServer(s.broker.router())

	s.storageDir, err = os.MkdirTemp("", "woodwork-bucket-*")
	s.Require().NoError(err)

	s.router = mux.NewRouter()
	brokerClient := orion.NewClient(&orion.ClientBuilder{
		BrokerURL: s.brokerServer.URL,
		Tenant:    "woodwork",
	})
	s.queue = jobs.New(&jobs.Builder{DB: s.dbConn, Router: s.router})

	proxy.New(&proxy.Builder{
		Broker:    brokerClient,
		Router:    s.router,
		Events:    s.queue,
		Validator: schema.MustNewValidatorFromFS(schemas.FS),
	})
	s.bucketBackend = bucket.New(&bucket.Builder{
		DB:      s.dbConn,
		Storage: bucket.NewLocalDriver(s.storageDir),
		Router:  s.router,
		Events:  s.queue,
	})
	cascade.New(&cascade.Builder{
		Broker: brokerClient,
		Bucket: s.bucketBackend,
	}).Bind(s.queue)

	s.client = client.NewWithRouter(s.router)
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.brokerServer != nil {
		s.brokerServer.Close()
	}
	if s.dbConn != nil {
		s.dbConn.ClearSchema()
		s.dbConn.Close()
	}
	if s.storageDir != "" {
		os.RemoveAll(s.storageDir)
	}
	if s.postgresContainer != nil {
		err := s.postgresContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
}

// processJobs drains the queue synchronously, failing the test when jobs
// are left unprocessable.
func (s *IntegrationTestSuite) processJobs() {
	s.queue.ProcessJobsSync(-1)
	health, err := s.queue.Health(false)
	s.Require().NoError(err)
	s.Require().Zero(health.Jobs.Failed, "jobs failed during processing")
}
