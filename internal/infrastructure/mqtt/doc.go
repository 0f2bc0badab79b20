// Package mqtt wraps paho.mqtt.golang with connection management,
// automatic reconnection and subscription restoration.
//
// The trigger bridge uses it to receive out-of-band scope change
// triggers from external systems and to publish committed scope and
// session events for machine consumers that do not hold a websocket.
package mqtt
