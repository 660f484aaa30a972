package service

import "github.com/kardianos/service"

const (
	ServiceName        = "invoice-scraper"
	ServiceDisplayName = "Invoice Scraper Service"
	ServiceDescription = "Downloads hosting invoices as PDF and serves them as zip archives over HTTP and gRPC"
)

// NewServiceConfig creates the service definition for the given arguments
func NewServiceConfig(args []string) *service.Config {
	return &service.Config{
		Name:        ServiceName,
		DisplayName: ServiceDisplayName,
		Description: ServiceDescription,
		Arguments:   args,
		Option: service.KeyValue{
			"StartType": "automatic",
			"Restart":   "on-failure",
		},
	}
}
