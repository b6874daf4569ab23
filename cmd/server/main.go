/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the school finance ledger. Wires configuration,
  the selected store, the notification dispatcher and the ledger service,
  then runs one of the subcommands.

COMMANDS:
  serve                    Run the HTTP API and the overdue sweeper
  allocate <student-id>    Run one allocation pass and print the result
  sweep                    Persist overdue transitions once and exit
  import-students <file>   Upsert students from a JSON array
  import-fee-items <file>  Upsert the fee catalog from a JSON array

STARTUP SEQUENCE:
  1. Load .env (optional) and environment configuration
  2. Apply command-line flag overrides
  3. Configure slog at the requested level
  4. Open the store (sqlite, postgres or memory)
  5. Start the notification dispatcher (Kafka when brokers are set, log otherwise)
  6. Build ledger.Service (fee codes resolve against the store's fee_items)

GRACEFUL SHUTDOWN (serve):
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper
  4. Drain queued notifications
  5. Close the store

ENVIRONMENT:
  PORT, DB_DRIVER, DATABASE_DSN, LOG_LEVEL, CORS_ORIGINS, SWEEP_INTERVAL,
  NOTIFY_WORKERS, NOTIFY_QUEUE, KAFKA_BROKERS, KAFKA_TOPIC_PREFIX.
  Flags win over the environment.

EXAMPLES:
  # Run with file database
  ./server serve --dsn ./data/finance.db

  # Run against PostgreSQL
  ./server serve --driver postgres --dsn "host=localhost user=finance dbname=finance"

  # Apply unassigned funds for one student
  ./server allocate stu-1

SEE ALSO:
  - app.go: Dependency wiring
  - config/config.go: Environment configuration
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
