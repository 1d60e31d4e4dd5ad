package protocol

import "strings"

// TopicPrefix is the literal first segment of every topic.
const TopicPrefix = "t"

// ValidateKey checks that key has the shape "service:table:pk". The key is
// split on the first two colons only, so the primary key may itself contain
// colons.
func ValidateKey(key string) (service, table, pk string, err error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", ErrInvalidKeyFormat
	}
	return parts[0], parts[1], parts[2], nil
}

// TopicFromKey derives the topic "t:service:table" of a valid key.
func TopicFromKey(key string) (string, error) {
	service, table, _, err := ValidateKey(key)
	if err != nil {
		return "", err
	}
	return TopicFor(service, table), nil
}

// TopicFor builds the topic for a service and table.
func TopicFor(service, table string) string {
	return TopicPrefix + ":" + service + ":" + table
}

// ValidateTopic checks that topic has the shape "t:service:table".
func ValidateTopic(topic string) error {
	parts := strings.SplitN(topic, ":", 3)
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[1] == "" || parts[2] == "" {
		return ErrBadPayload
	}
	return nil
}
