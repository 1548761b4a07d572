// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package jobs is a postgres-backed event queue.

The proxy raises lifecycle events (budget created, furniture deleted, ...)
into the queue; the cascade workflow registers handlers for them. Events
are processed out-of-band with a small worker pipeline, survive restarts,
and are retried with increasing timeouts when a handler fails.
*/
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/mofreitas/woodwork/core/access"
	"github.com/mofreitas/woodwork/core/csql"
	"github.com/mofreitas/woodwork/core/logger"
)

// Event is a lifecycle event. Receive them with HandleEvent(), raise them
// with RaiseEvent(), schedule them with ScheduleEvent().
//
// Key is the subject of the event, for this system usually an entity URN.
type Event struct {
	Type    string
	Key     string
	Payload []byte
}

// WithPayload adds a payload to an event. Payload can be an object or a []byte
func (e Event) WithPayload(payload interface{}) Event {
	data, ok := payload.([]byte)
	if !ok {
		data, _ = json.Marshal(payload)
	}
	e.Payload = data
	return e
}

func (e Event) String() string {
	return e.Type + "[" + e.Key + "]"
}

type job struct {
	Serial       int
	Job          string
	Type         string
	Key          string
	Payload      []byte
	Timestamp    time.Time
	AttemptsLeft int
	ContextData  []byte
}

// event returns the job as event together with a context restored from
// the serialized request logger.
func (j *job) event() (Event, context.Context) {
	ctx := logger.ContextWithLoggerFromData(context.Background(), j.ContextData)
	return Event{Type: j.Type, Key: j.Key, Payload: j.Payload}, ctx
}

type txJob struct {
	job
	tx *sql.Tx
}

// Builder is a builder helper for the event queue
type Builder struct {
	// DB is the postgres database
	DB *csql.DB
	// Router is optional; when given, the health routes are registered
	Router *mux.Router
	// PipelineConcurrency is the number of parallel workers. Default is 5.
	PipelineConcurrency int
}

// Queue is the postgres-backed event queue
type Queue struct {
	db                  *csql.DB
	callbacks           map[string]func(context.Context, Event) error
	pipelineConcurrency int

	insertQuery           string
	insertIfNotExistQuery string
	updateQuery           string
	deleteQuery           string
	cancelQuery           string

	hasJobsToProcessLock    sync.Mutex
	hasJobsToProcess        bool
	processJobsAsyncRuns    bool
	processJobsAsyncTrigger chan struct{}
}

// New creates an event queue. The _job_ table is created if it does not
// exist yet. Panics on invalid builder input.
func New(b *Builder) *Queue {
	if b.DB == nil {
		panic("jobs: cannot create queue without database")
	}
	concurrency := b.PipelineConcurrency
	if concurrency == 0 {
		concurrency = 5
	}
	q := &Queue{
		db:                  b.DB,
		callbacks:           make(map[string]func(context.Context, Event) error),
		pipelineConcurrency: concurrency,
	}

	schema := b.DB.Schema
	_, err := b.DB.Exec(`CREATE table IF NOT EXISTS ` + schema + `."_job_"
(serial SERIAL,
job VARCHAR NOT NULL,
type VARCHAR NOT NULL DEFAULT '',
key VARCHAR NOT NULL DEFAULT '',
payload JSON NOT NULL DEFAULT'{}'::jsonb,
timestamp TIMESTAMP NOT NULL DEFAULT now(),
attempts_left INTEGER NOT NULL,
context JSON NOT NULL DEFAULT'{}'::jsonb,
scheduled_at TIMESTAMP,
PRIMARY KEY(serial)
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_event_compression ON ` + schema + `._job_(type,key) WHERE job = 'event' AND attempts_left>0;
CREATE index IF NOT EXISTS jobs_scheduled_at_index ON ` + schema + `._job_(scheduled_at);
`)
	if err != nil {
		panic(err)
	}

	q.insertQuery = `INSERT INTO ` + schema + `."_job_"
	(job,type,key,payload,timestamp,attempts_left,context,scheduled_at)
	VALUES($1,$2,$3,$4,$5,4,$6,$7) ON CONFLICT (type,key) WHERE job = 'event' AND attempts_left>0
	DO UPDATE SET payload=$4,timestamp=$5,attempts_left=4,context=$6,
	scheduled_at=CASE WHEN $7=null THEN _job_.scheduled_at ELSE $7 END::TIMESTAMP
	RETURNING serial;`

	q.insertIfNotExistQuery = `INSERT INTO ` + schema + `."_job_"
	(job,type,key,payload,timestamp,attempts_left,context,scheduled_at)
	VALUES($1,$2,$3,$4,$5,4,$6,$7) ON CONFLICT (type,key) WHERE job = 'event' AND attempts_left>0
	DO UPDATE SET attempts_left=4 RETURNING serial;`

	q.updateQuery = `UPDATE ` + schema + `."_job_"
SET attempts_left = attempts_left - 1,
scheduled_at = CASE WHEN attempts_left>3 then $2 WHEN attempts_left=3 THEN $3 ELSE $4 END::TIMESTAMP
WHERE serial = (
SELECT serial
 FROM ` + schema + `."_job_"
 WHERE attempts_left > 0 AND (scheduled_at IS NULL OR $1 > scheduled_at)
 ORDER BY serial
 FOR UPDATE SKIP LOCKED
 LIMIT 1
)
RETURNING serial, job, type, key, payload, timestamp, attempts_left, context;
`
	q.deleteQuery = `DELETE FROM ` + schema + `."_job_"
WHERE serial = $1 AND attempts_left < 4 RETURNING serial;`

	q.cancelQuery = `DELETE FROM ` + schema + `."_job_"
WHERE job = $1 AND type = $2 AND key = $3 AND attempts_left > 0 RETURNING serial;`

	if b.Router != nil {
		q.handleRoutes(b.Router)
	}
	return q
}

func (q *Queue) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("event queue")
	logger.Default().Debugln("  handle route: /woodwork/health GET")

	router.HandleFunc("/woodwork/health", func(w http.ResponseWriter, r *http.Request) {
		q.healthRoute(w, r, false)
	}).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/woodwork/health/details", func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		if !auth.IsAdmin() {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		q.healthRoute(w, r, true)
	}).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/woodwork/health/purge", func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		if !auth.IsAdmin() {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		q.purgeHealthRoute(w, r)
	}).Methods(http.MethodOptions, http.MethodPut)
}

// JobDetail is detail on a job for the health endpoint
type JobDetail struct {
	Serial       int64      `json:"serial"`
	Job          string     `json:"job"`
	Type         string     `json:"type"`
	Key          string     `json:"key"`
	AttemptsLeft int64      `json:"attempts_left"`
	Timestamp    time.Time  `json:"timestamp"`
	ScheduledAt  *time.Time `json:"scheduled_at"`
}

// Health contains the queue's health status
type Health struct {
	Jobs struct {
		Failed  int64       `json:"failed"`
		Failing int64       `json:"failing"`
		Overdue int64       `json:"overdue"`
		Details []JobDetail `json:"details,omitempty"`
	} `json:"jobs"`
}

// Health returns the queue's health status
func (q *Queue) Health(includeDetails bool) (Health, error) {
	health := Health{}
	jobs := &health.Jobs

	// get the number of failed jobs
	failedJobsQuery := `SELECT count(*) OVER() from ` + q.db.Schema + `._job_ WHERE attempts_left = 0 limit 1;`
	err := q.db.QueryRow(failedJobsQuery).Scan(&jobs.Failed)
	if err != nil && err != csql.ErrNoRows {
		return health, err
	}

	// get the number of jobs who failed at least once but are still scheduled for a retry
	failingJobsQuery := `SELECT count(*) OVER() from ` + q.db.Schema + `._job_ WHERE attempts_left > 0 AND attempts_left < 3 limit 1;`
	err = q.db.QueryRow(failingJobsQuery).Scan(&jobs.Failing)
	if err != nil && err != csql.ErrNoRows {
		return health, err
	}

	now := time.Now().UTC()
	tenMinutesAgo := now.Add(-10 * time.Minute)

	// get the number of jobs who should have been executed at least ten minutes ago
	overdueJobsQuery := `SELECT count(*) OVER() from ` + q.db.Schema + `._job_ WHERE attempts_left > 0 AND
	((scheduled_at IS NULL AND $1 > timestamp) OR (scheduled_at IS NOT NULL AND $1 > scheduled_at)) limit 1;`
	err = q.db.QueryRow(overdueJobsQuery, tenMinutesAgo).Scan(&jobs.Overdue)
	if err != nil && err != csql.ErrNoRows {
		return health, err
	}

	if includeDetails {
		jobsDetailsQuery := `SELECT serial, job, type, key, timestamp, attempts_left, scheduled_at from ` + q.db.Schema + `._job_ WHERE
	attempts_left = 0 OR (attempts_left > 0 AND	((scheduled_at IS NULL AND $1 > timestamp) OR (scheduled_at IS NOT NULL AND $1 > scheduled_at)));`
		rows, err := q.db.Query(jobsDetailsQuery, tenMinutesAgo)
		if err != nil {
			if err == csql.ErrNoRows {
				return health, nil
			}
			return health, err
		}
		defer rows.Close()
		var jobDetails []JobDetail
		for rows.Next() {
			var detail JobDetail
			err := rows.Scan(
				&detail.Serial,
				&detail.Job,
				&detail.Type,
				&detail.Key,
				&detail.Timestamp,
				&detail.AttemptsLeft,
				&detail.ScheduledAt,
			)
			if err != nil {
				return health, err
			}
			jobDetails = append(jobDetails, detail)
		}
		health.Jobs.Details = jobDetails
	}
	return health, nil
}

// HealthPurge deletes old health data. Currently this is only failed jobs
func (q *Queue) HealthPurge() error {
	deleteFailedJobsQuery := `DELETE from ` + q.db.Schema + `._job_ WHERE attempts_left = 0;`
	_, err := q.db.Exec(deleteFailedJobsQuery)
	return err
}

func (q *Queue) healthRoute(w http.ResponseWriter, r *http.Request, includeDetails bool) {
	rlog := logger.FromContext(r.Context())
	health, err := q.Health(includeDetails)
	if err != nil {
		rlog.WithError(err).Errorln("Error 4222: cannot query database")
		http.Error(w, "Error 4222: ", http.StatusInternalServerError)
		return
	}
	jsonData, _ := json.Marshal(health)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(jsonData)
}

func (q *Queue) purgeHealthRoute(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	err := q.HealthPurge()
	if err != nil {
		rlog.WithError(err).Errorln("Error 4223: cannot query database")
		http.Error(w, "Error 4223: ", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (q *Queue) pipelineWorker(n int, jobs <-chan txJob, ready chan<- bool) {
	for job := range jobs {
		tx := job.tx
		key := eventJobKey(job.Type)
		rlog := logger.Default()

		err := tx.Commit()
		if err != nil {
			rlog.Errorf("error committing %s#%d: %s", key, job.Serial, err.Error())
		}

		// call the registered handler in a panic/recover envelope
		err = func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("recovered from panic: %s", r)
					debug.PrintStack()
				}
			}()
			event, ctx := job.event()
			rlog = logger.FromContext(ctx)
			timeout := time.AfterFunc(20*time.Second, func() {
				logger.Default().Errorf("event %s is taking a long time...", event)
			})
			if handler, ok := q.callbacks[key]; ok {
				err = handler(ctx, event)
			} else {
				err = fmt.Errorf("no handler for key %s", key)
			}
			timeout.Stop()
			return
		}()

		if err != nil {
			rlog.WithError(err).Error("error processing " + key + "[" + job.Key + "] #" + strconv.Itoa(job.Serial))
		} else {
			rlog.Info("successfully processed " + key + "[" + job.Key + "] #" + strconv.Itoa(job.Serial))
			// job handled successfully, delete from queue (unless it has been
			// rescheduled and attempts_left is back at 4)
			var serial int
			err = q.db.QueryRow(q.deleteQuery, &job.Serial).Scan(&serial)
			if err != nil && err != sql.ErrNoRows {
				rlog.WithError(err).Error("could not delete processed job " + key + "[" + job.Key + "] #" + strconv.Itoa(job.Serial))
			}
		}
		ready <- true
	}
}

// TriggerJobs triggers pipeline processing.
func (q *Queue) TriggerJobs() {
	q.hasJobsToProcessLock.Lock()
	q.hasJobsToProcess = true
	q.hasJobsToProcessLock.Unlock()
	if q.processJobsAsyncRuns {
		if len(q.processJobsAsyncTrigger) == 0 {
			q.processJobsAsyncTrigger <- struct{}{}
		}
	}
}

// HasJobsToProcess returns true, if there are jobs to process.
// It then resets the process flag.
func (q *Queue) HasJobsToProcess() bool {
	q.hasJobsToProcessLock.Lock()
	defer q.hasJobsToProcessLock.Unlock()
	result := q.hasJobsToProcess
	q.hasJobsToProcess = false
	return result
}

// ProcessJobsAsync starts a job processing loop. It returns immediately. This
// function must only be called once.
//
// If heartbeat is larger than 0, the function also starts a heartbeat timer for
// processing of scheduled events.
//
// Left-over jobs in the database are processed right away.
func (q *Queue) ProcessJobsAsync(heartbeat time.Duration) {
	if q.processJobsAsyncRuns {
		panic("already processing jobs")
	}
	q.processJobsAsyncRuns = true
	q.processJobsAsyncTrigger = make(chan struct{}, 10)

	if heartbeat > 0 {
		// start heartbeat to process scheduled events
		go func() {
			for {
				time.Sleep(heartbeat)
				q.TriggerJobs()
			}
		}()
	}

	go func() {
		q.ProcessJobsSync(5 * time.Minute)
		for {
			<-q.processJobsAsyncTrigger
			q.ProcessJobsSync(5 * time.Minute)
		}
	}()
}

// ProcessJobsSync commissions all pending jobs up to the specified maximum duration and then returns after the last commissioned job was
// fully processed. It returns true if it has maxed out and there are more jobs to process, otherwise it returns false.
// If you pass 0, it will process all pending jobs.
func (q *Queue) ProcessJobsSync(max time.Duration) bool {
	rlog := logger.FromContext(nil)
	startTime := time.Now()

	getJob := func() (txj txJob, err error) {
		txj.tx, err = q.db.BeginTx(context.Background(), nil)
		if err != nil {
			rlog.WithError(err).Error("failed to begin transaction")
			return
		}
		now := time.Now().UTC()
		err = txj.tx.QueryRow(q.updateQuery,
			now,
			now.Add(5*time.Minute),  // first retry timeout
			now.Add(15*time.Minute), // second retry timeout
			now.Add(45*time.Minute), // third retry timeout before we give up
		).Scan(
			&txj.Serial,
			&txj.Job,
			&txj.Type,
			&txj.Key,
			&txj.Payload,
			&txj.Timestamp,
			&txj.AttemptsLeft,
			&txj.ContextData,
		)
		if err != nil {
			if err != sql.ErrNoRows {
				rlog.Errorln("failed to retrieve job:", err.Error())
			}
			txj.tx.Rollback()
			txj.tx = nil
		}
		return
	}

	jobs := make(chan txJob, q.pipelineConcurrency)
	ready := make(chan bool, q.pipelineConcurrency)
	for i := 0; i < q.pipelineConcurrency; i++ {
		go q.pipelineWorker(i, jobs, ready)
	}

	var maxedOut bool
	var jobCount, readyCount int
	for i := 0; i < q.pipelineConcurrency; i++ {
		txj, err := getJob()
		if err != nil {
			break
		}
		jobCount++
		jobs <- txj
	}

	for readyCount < jobCount {
		<-ready
		readyCount++

		if maxedOut = max > 0 && time.Since(startTime) >= max; !maxedOut {
			// we have time for more jobs, check if there are any in the database
			txj, err := getJob()
			if err != nil {
				break
			}
			jobCount++
			jobs <- txj
		}
	}
	close(jobs)

	maxedOutString := ""
	if maxedOut {
		maxedOutString = " (maxed out)"
	}
	rlog.Debugf("process jobs: %d done%s", jobCount, maxedOutString)
	return maxedOut
}

// HandleEvent installs a callback handler for the specified event. Handlers are executed
// out-of-band. If a handler fails (i.e. it returns a non-nil error), it will be retried
// a few times with increasing timeout.
func (q *Queue) HandleEvent(event string, handler func(context.Context, Event) error) {
	key := eventJobKey(event)
	if _, ok := q.callbacks[key]; ok {
		logger.Default().Fatalf("callback handler for %s already installed", key)
	}
	q.callbacks[key] = handler
}

// RaiseEvent raises the requested event. Payload can be nil, an object or a []byte.
// Callbacks registered with HandleEvent() will be called.
//
// Multiple pending events of the same kind (event plus key) will be compressed,
// i.e. the newest payload will overwrite the previous payload. If you do not want
// any compression, use QueueEvent() instead.
//
// Use ScheduleEvent if you want to schedule an event at a specific time.
func (q *Queue) RaiseEvent(ctx context.Context, event Event) error {
	return q.raiseEventInternal(ctx, "event", event, nil, false)
}

// RaiseEventIfNotExist raises the requested event, unless an event of the
// same kind (event plus key) is already pending.
func (q *Queue) RaiseEventIfNotExist(ctx context.Context, event Event) error {
	return q.raiseEventInternal(ctx, "event", event, nil, true)
}

// QueueEvent adds the requested event to the queue. Payload can be nil, an object or a []byte.
// Callbacks registered with HandleEvent() will be called.
//
// Queued events are always going to be delivered, there is no compression happening.
func (q *Queue) QueueEvent(ctx context.Context, event Event) error {
	return q.raiseEventInternal(ctx, "queued-event", event, nil, false)
}

// ScheduleEvent schedules the requested event at a specific point in time.
//
// Multiple pending events of the same kind (event plus key) will be compressed.
// Use CancelEvent() to cancel a scheduled event.
func (q *Queue) ScheduleEvent(ctx context.Context, event Event, scheduleAt time.Time) error {
	return q.raiseEventInternal(ctx, "event", event, &scheduleAt, false)
}

// CancelEvent cancels a pending event of the same kind (event plus key).
//
// The payload of the passed event object is ignored.
// The function returns true if an event was unscheduled, otherwise it returns false.
func (q *Queue) CancelEvent(ctx context.Context, event Event) (bool, error) {
	var serial int
	err := q.db.QueryRow(q.cancelQuery, "event", event.Type, event.Key).Scan(&serial)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RetrieveEventSchedule exists for unit testing purposes only
func (q *Queue) RetrieveEventSchedule(ctx context.Context, event Event) (*time.Time, error) {
	var schedule *time.Time
	query := `SELECT scheduled_at FROM ` + q.db.Schema + `."_job_"
 WHERE job = $1 AND type = $2 AND key = $3 AND attempts_left > 0
 ORDER BY serial LIMIT 1;`
	err := q.db.QueryRow(query, "event", event.Type, event.Key).Scan(&schedule)
	if err == sql.ErrNoRows {
		return schedule, nil
	}
	return schedule, err
}

func (q *Queue) raiseEventInternal(ctx context.Context, job string, event Event, scheduleAt *time.Time, ifNotExist bool) error {
	key := eventJobKey(event.Type)
	if _, ok := q.callbacks[key]; !ok {
		return fmt.Errorf("no callback handler installed for %s", key)
	}

	data := event.Payload
	if data == nil {
		data = []byte("{}")
	}
	contextData := logger.SerializeLoggerContext(ctx)
	var scheduleAtUTC *time.Time
	if scheduleAt != nil {
		tmp := scheduleAt.UTC()
		scheduleAtUTC = &tmp
	}

	query := q.insertQuery
	if ifNotExist {
		query = q.insertIfNotExistQuery
	}
	var serial int
	err := q.db.QueryRow(query,
		job,
		event.Type,
		event.Key,
		data,
		time.Now().UTC(),
		contextData,
		scheduleAtUTC,
	).Scan(&serial)
	if err != nil {
		return err
	}
	q.TriggerJobs()
	return nil
}

func eventJobKey(event string) string {
	return "event: " + event
}
