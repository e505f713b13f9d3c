// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package mqtt provides the self hosted MQTT broker for certificate rotation

Devices connect with mutual TLS. A client certificate is accepted when it is registered,
active and bound to the device named by its common name, and the MQTT client id must
equal that common name.

Registration on first connect

A certificate which is unknown to the inventory but issued by one of the registration
authorities (usually the vendor CAs) is registered, activated and bound on the fly. The
broker then raises the registration event

	$aws/events/certificates/registered/{ca_certificate_id}

towards the rotation handler. If the handler refuses the event, for example because the
device is not whitelisted, the registration is rolled back and the connection is closed.

Topics

A device may only subscribe to its own reply topics

	cert-rotation/create-man-cert/{serial_number}/rspn
	cert-rotation/ack-man-cert/{serial_number}/rspn

and may only publish on its own request topics

	cert-rotation/create-man-cert/{serial_number}/rqst
	cert-rotation/ack-man-cert/{serial_number}/rqst

All topics carry the configured prefix except the registration event.
*/
package mqtt
