package extract

const ConceptExtractionPrompt = `
# Task Context
You are an assistant that extracts the concepts a person cares about from one message of a conversation. The concepts feed a personal memory graph, so they should be the kind of terms the person would later ask about again.

# Background Data
Message:
"""
%s
"""

# Detailed Task Description & Rules
- Extract between 1 and %d concepts from the message.
- A concept is a short noun phrase: a topic, entity, activity, preference, or recurring theme (e.g., "morning coffee", "marathon training", "Berlin").
- Prefer specific phrases over single generic words ("espresso machine" over "machine").
- Keep each concept under five words.
- Do not invent concepts that are not grounded in the message.
- Do not include filler words, greetings, or sentiment-only words ("thanks", "great").
- Rate each concept's importance between 0.0 and 1.0: how central it is to what the person is saying.

# Examples
Message: "My espresso machine broke again, so I had tea before my run along the river."
Output:
{
  "concepts": [
    {"term": "espresso machine", "importance": 0.9},
    {"term": "tea", "importance": 0.5},
    {"term": "running", "importance": 0.7},
    {"term": "river", "importance": 0.4}
  ]
}

# Output Formatting
Return a JSON object with a "concepts" array. Each entry has a "term" string and an "importance" number between 0.0 and 1.0. Return {"concepts": []} if the message carries no memorable concept.
`
