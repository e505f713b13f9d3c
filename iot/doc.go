// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot connects the rotation handler to the outside world

The handler itself only understands topics and payloads. The sub packages carry those
between devices and the handler:

	mqtt        a self hosted MQTT broker which authorizes devices by their certificates
	awspublish  publishes replies through the AWS IoT data plane
	sqsbridge   consumes IoT rule events from an SQS queue
	events      publishes state transitions to Kafka
	archive     keeps issued certificates in S3 or a directory
	enrollment  RESTful api to whitelist devices
	agent       the device side of the protocol

RuleEvent is the message shape an AWS IoT topic rule forwards, both to a Lambda function
and to SQS.
*/
package iot
