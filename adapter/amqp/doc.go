// Package amqp provides an AMQP 0.9.1 broker provider for xjms, built on
// rabbitmq/amqp091-go.
//
// Provider name: "amqp091"
//
// A session is one AMQP channel; transacted sessions put the channel in tx
// mode. Queues are declared durable on first use and addressed through the
// default exchange. Topics publish to Config.TopicExchange with the topic
// name as routing key; each subscriber binds its own exclusive queue, and a
// durable subscription binds a durable queue named "<client id>.<name>".
// Temporary queues are exclusive server-named queues.
//
// AMQP has no message selectors. Consumers evaluate selectors client-side
// and return non-matching deliveries to the queue after Config.SelectorBackoff,
// so selectors suit queues whose consumers partition the traffic, such as a
// shared reply queue read by one conduit per correlation prefix.
package amqp
