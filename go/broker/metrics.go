package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fedstar_broker_messages_sent_total",
	Help: "Messages POSTed to the broker, by category.",
}, []string{"category"})

var messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fedstar_broker_messages_received_total",
	Help: "Webhook deliveries ingested, by category.",
}, []string{"category"})

var acksEchoed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fedstar_broker_acknowledgements_echoed_total",
	Help: "Acknowledgement echoes sent back to message senders.",
})
