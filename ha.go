package main

import (
	"context"

	"github.com/tuomaz/gohaws"
	"go.uber.org/zap"
)

type notifier interface {
	sendNotification(message string)
}

// serviceCaller is the part of the HA client notifications need.
type serviceCaller interface {
	CallService(ctx context.Context, domain string, service string, serviceData interface{}, target string) error
}

type noopNotifier struct{}

func (noopNotifier) sendNotification(string) {}

func newHaService(ctx context.Context, uri string, token string, device string, log *zap.SugaredLogger) *haService {
	client := gohaws.New(ctx, uri, token)
	haService := &haService{client: client, services: client, context: ctx, device: device, log: log}
	go haService.run()
	return haService
}

// haService forwards operator notifications to a Home Assistant notify target.
type haService struct {
	context  context.Context
	client   *gohaws.HaClient
	services serviceCaller
	device   string
	log      *zap.SugaredLogger
}

func (ha *haService) sendNotification(message string) {
	sd := map[string]string{"title": "Rectifiers", "message": message}
	ha.log.Debugw("HA: sending notification", "device", ha.device, "message", message)
	if err := ha.services.CallService(ha.context, "notify", ha.device, sd, ""); err != nil {
		ha.log.Warnw("HA: notification failed", "device", ha.device, "error", err)
	}
}

func (ha *haService) run() {
	ha.log.Infow("HA: start listening to messages")
	if err := ha.client.SubscribeToUpdates(ha.context); err != nil {
		ha.log.Warnw("HA: subscribe failed", "error", err)
	}
Loop:
	for {
		select {
		case <-ha.context.Done():
			break Loop
		case _, ok := <-ha.client.EventChannel:
			if !ok {
				break Loop
			}
		}
	}
	ha.log.Infow("HA: stop listening to messages")
}
