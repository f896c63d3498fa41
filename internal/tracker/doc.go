// Package tracker defines the listing, aggregate, and scrape-job types shared by
// the ingestion pipeline together with the ports its collaborators implement.
package tracker
