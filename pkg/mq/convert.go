package mq

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/easybus/pkg/message"
)

// fromAMQP converts a raw delivery received from queue.
func fromAMQP(queue string, d amqp.Delivery) *message.Delivery {
	var headers map[string]any
	if len(d.Headers) > 0 {
		headers = make(map[string]any, len(d.Headers))
		for k, v := range d.Headers {
			headers[k] = v
		}
	}

	props := message.Properties{
		Headers:         headers,
		Timestamp:       d.Timestamp,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		CorrelationID:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageID:       d.MessageId,
		Type:            d.Type,
		UserID:          d.UserId,
		AppID:           d.AppId,
		DeliveryMode:    d.DeliveryMode,
		Priority:        d.Priority,
	}

	info := message.ReceivedInfo{
		ConsumerTag: d.ConsumerTag,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Queue:       queue,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
	}

	return message.New(d.Body, props, info)
}

// toPublishing converts outgoing properties and body.
func toPublishing(props message.Properties, body []byte) amqp.Publishing {
	var headers amqp.Table
	if len(props.Headers) > 0 {
		headers = make(amqp.Table, len(props.Headers))
		for k, v := range props.Headers {
			headers[k] = v
		}
	}

	contentType := props.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}

	return amqp.Publishing{
		Headers:         headers,
		ContentType:     contentType,
		ContentEncoding: props.ContentEncoding,
		DeliveryMode:    props.DeliveryMode,
		Priority:        props.Priority,
		CorrelationId:   props.CorrelationID,
		ReplyTo:         props.ReplyTo,
		Expiration:      props.Expiration,
		MessageId:       props.MessageID,
		Timestamp:       props.Timestamp,
		Type:            props.Type,
		UserId:          props.UserID,
		AppId:           props.AppID,
		Body:            body,
	}
}
