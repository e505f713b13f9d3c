package agent

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"strings"
)

// DefaultSubject is the subject template used without configuration
const DefaultSubject = "/CN={}"

// ParseSubject parses an openssl style subject like "/O=Acme/OU=Manufacturing/CN={}".
// Every {} is replaced by the serial number. The common name must be the serial number
// and is added if the template has none.
func ParseSubject(template, serialNumber string) (pkix.Name, error) {
	var name pkix.Name
	subject := strings.ReplaceAll(template, "{}", serialNumber)
	for _, part := range strings.Split(strings.TrimPrefix(subject, "/"), "/") {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || kv[1] == "" {
			return name, fmt.Errorf("invalid subject component %q", part)
		}
		value := kv[1]
		switch strings.ToUpper(strings.TrimSpace(kv[0])) {
		case "C":
			name.Country = append(name.Country, value)
		case "ST":
			name.Province = append(name.Province, value)
		case "L":
			name.Locality = append(name.Locality, value)
		case "O":
			name.Organization = append(name.Organization, value)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "CN":
			name.CommonName = value
		default:
			return name, fmt.Errorf("unsupported subject attribute %q", kv[0])
		}
	}
	if name.CommonName == "" {
		name.CommonName = serialNumber
	}
	if name.CommonName != serialNumber {
		return name, fmt.Errorf("common name %q is not the serial number %q", name.CommonName, serialNumber)
	}
	return name, nil
}

// BuildCSR returns a PEM encoded certificate request for the device key
func BuildCSR(key crypto.Signer, subjectTemplate, serialNumber string) (string, error) {
	if subjectTemplate == "" {
		subjectTemplate = DefaultSubject
	}
	subject, err := ParseSubject(subjectTemplate, serialNumber)
	if err != nil {
		return "", err
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{Subject: subject}, key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})), nil
}
